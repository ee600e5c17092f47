// Package config loads the treasury daemon configuration from a YAML file,
// fills defaults relative to the file's directory and applies environment
// overrides for secrets and deployment-specific values.
package config
