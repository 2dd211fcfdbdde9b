/*
Package config loads Tessera's YAML configuration file into engine
options plus the operational settings (data directory, metrics address,
log level) the CLI consumes.
*/
package config
