// Package scenario loads declarative workflow templates and expands them into
// agent task graphs. Templates are validated at load time: dependency keys
// must reference sibling steps and the dependency graph must be acyclic, so a
// session can never deadlock on a malformed template.
package scenario

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/templates"
)

// ErrUnknownScenario is returned when a scenario name has no template.
var ErrUnknownScenario = errors.New("scenario: unknown scenario")

// DefaultFile is the embedded scenario configuration.
const DefaultFile = "scenarios.yaml"

// DefaultMaxRetries is applied to every expanded task.
const DefaultMaxRetries = 3

// Step is one template entry: which agent does what, triggered by which
// events, after which sibling steps.
type Step struct {
	Agent        string             `yaml:"agent"`
	Task         string             `yaml:"task"`
	Events       []string           `yaml:"events"`
	Dependencies []string           `yaml:"dependencies"`
	Timeout      time.Duration      `yaml:"-"`
	Priority     model.TaskPriority `yaml:"priority"`

	RawTimeout string `yaml:"timeout"`
}

// Key is the "<agent>.<task>" identity dependency lists refer to.
func (s Step) Key() string {
	return s.Agent + "." + s.Task
}

// Definition is one validated scenario template.
type Definition struct {
	Name            string
	Steps           []Step
	Recommendations []string
	NextActions     []string
}

type rawDefinition struct {
	Steps           []Step   `yaml:"steps"`
	Recommendations []string `yaml:"recommendations"`
	NextActions     []string `yaml:"next_actions"`
}

type fileConfig struct {
	Scenarios map[string]rawDefinition `yaml:"scenarios"`
}

// Library holds all loaded scenario templates.
type Library struct {
	defs map[string]Definition
}

// Load parses and validates templates from one YAML file in fsys.
func Load(fsys fs.FS, name string) (*Library, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", name, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", name, err)
	}
	if len(cfg.Scenarios) == 0 {
		return nil, fmt.Errorf("scenario: %s declares no scenarios", name)
	}

	lib := &Library{defs: make(map[string]Definition, len(cfg.Scenarios))}
	for scenarioName, rawDef := range cfg.Scenarios {
		def, err := buildDefinition(scenarioName, rawDef)
		if err != nil {
			return nil, err
		}
		lib.defs[scenarioName] = def
	}
	return lib, nil
}

// LoadDefault loads the embedded templates.
func LoadDefault() (*Library, error) {
	return Load(templates.FS, DefaultFile)
}

func buildDefinition(name string, raw rawDefinition) (Definition, error) {
	if len(raw.Steps) == 0 {
		return Definition{}, fmt.Errorf("scenario: %s has no steps", name)
	}

	def := Definition{
		Name:            name,
		Steps:           raw.Steps,
		Recommendations: raw.Recommendations,
		NextActions:     raw.NextActions,
	}

	keys := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Agent == "" || step.Task == "" {
			return Definition{}, fmt.Errorf("scenario: %s step %d missing agent or task", name, i)
		}
		if len(step.Events) == 0 {
			return Definition{}, fmt.Errorf("scenario: %s step %s has no trigger events", name, step.Key())
		}
		if keys[step.Key()] {
			return Definition{}, fmt.Errorf("scenario: %s has duplicate step %s", name, step.Key())
		}
		keys[step.Key()] = true

		if step.RawTimeout == "" {
			return Definition{}, fmt.Errorf("scenario: %s step %s missing timeout", name, step.Key())
		}
		d, err := time.ParseDuration(step.RawTimeout)
		if err != nil || d <= 0 {
			return Definition{}, fmt.Errorf("scenario: %s step %s has invalid timeout %q", name, step.Key(), step.RawTimeout)
		}
		step.Timeout = d

		if step.Priority == "" {
			step.Priority = model.PriorityNormal
		}
	}

	for _, step := range def.Steps {
		for _, dep := range step.Dependencies {
			if !keys[dep] {
				return Definition{}, fmt.Errorf("scenario: %s step %s depends on unknown step %s", name, step.Key(), dep)
			}
		}
	}
	if cyclic(def.Steps) {
		return Definition{}, fmt.Errorf("scenario: %s has a dependency cycle", name)
	}
	return def, nil
}

// cyclic detects dependency cycles with a three-color DFS.
func cyclic(steps []Step) bool {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Key()] = s.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(key string) bool
	visit = func(key string) bool {
		color[key] = gray
		for _, dep := range deps[key] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[key] = black
		return false
	}

	for key := range deps {
		if color[key] == white && visit(key) {
			return true
		}
	}
	return false
}

// Names lists all loaded scenario names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.defs))
	for n := range l.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a scenario definition or ErrUnknownScenario.
func (l *Library) Get(name string) (Definition, error) {
	def, ok := l.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
	}
	return def, nil
}

// Agents returns the distinct agents participating in the scenario, sorted.
func (d Definition) Agents() []string {
	seen := make(map[string]bool)
	for _, s := range d.Steps {
		seen[s.Agent] = true
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Tasks expands the template into fresh agent tasks for one session.
func (d Definition) Tasks() []*model.AgentTask {
	now := time.Now().UTC()
	tasks := make([]*model.AgentTask, 0, len(d.Steps))
	for _, s := range d.Steps {
		tasks = append(tasks, &model.AgentTask{
			AgentID:      s.Agent,
			TaskType:     s.Task,
			TaskData:     map[string]any{},
			Priority:     s.Priority,
			Dependencies: append([]string(nil), s.Dependencies...),
			TriggerTypes: append([]string(nil), s.Events...),
			Timeout:      s.Timeout,
			MaxRetries:   DefaultMaxRetries,
			Status:       model.TaskPending,
			CreatedAt:    now,
		})
	}
	return tasks
}
