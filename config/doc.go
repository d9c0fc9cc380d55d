// Package config loads personaflow configuration.
//
// Values come from defaults, then an optional YAML file, then PERSONAFLOW_*
// environment variables. Each section converts into the configuration value
// of the component it drives, so no component reads global state.
package config
