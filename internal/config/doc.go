// Package config loads voyagerd settings from a YAML file with VOYAGER_
// environment overrides and fills in defaults relative to the file location.
package config
