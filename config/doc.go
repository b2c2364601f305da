// Package config provides configuration management for weft.
//
// Configuration is resolved from defaults, an optional YAML file, and
// WEFT_-prefixed environment variables, in that order of precedence.
package config
