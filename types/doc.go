// Package types contains shared types used across the weft engine:
// the structured error model and the JSON schema subset used to
// validate agent capability inputs and outputs.
package types
