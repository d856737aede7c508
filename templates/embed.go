// Package templates embeds the default configuration and sample workflows
// written by autopilot init.
package templates

import "embed"

//go:embed config.yaml workflows
var FS embed.FS
