// Package defaults provides the embedded starter configuration for the
// coquette init subcommand.
package defaults

import _ "embed"

//go:embed coquette.example.yaml
var ConfigYAML []byte
