// Package templates embeds default scenario and capability configuration.
package templates

import "embed"

//go:embed scenarios.yaml capabilities.yaml
var FS embed.FS
