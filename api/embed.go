// Package api embeds the OpenAPI specification served at /v1/openapi.yaml.
package api

import _ "embed"

// Spec is the raw OpenAPI YAML document.
//
//go:embed openapi.yaml
var Spec []byte
