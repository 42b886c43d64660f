// Package config loads the guardd YAML configuration file, fills defaults and
// applies AGENTGUARD_* environment overrides.
package config
