// Package config loads the evaluator configuration: built-in defaults, then a
// YAML file, then AEGIS_ prefixed environment variables. Relative paths are
// resolved against the directory of the configuration file.
package config
