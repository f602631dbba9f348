// Package defaults provides the embedded example configuration written
// by the harbor init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed harbor.example.yaml
var ConfigYAML []byte
