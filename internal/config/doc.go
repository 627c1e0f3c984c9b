// Package config loads the Gravity Claw runtime configuration from YAML or
// JSON files, overlays secrets and allow-lists from environment variables and
// fills defaults for every section so that a bare environment still boots.
package config
