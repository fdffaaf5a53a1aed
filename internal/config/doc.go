// Package config loads the intentd configuration from a YAML or JSON file and
// fills defaults for every omitted field.
package config
