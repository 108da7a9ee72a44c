// Package config loads and validates the duplikit server configuration from
// a YAML file, filling in defaults for anything the file omits.
package config
