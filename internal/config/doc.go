// Package config loads the autonomifyd configuration file (YAML or JSON),
// fills defaults relative to the file location and resolves secrets from
// environment variables named in the file.
package config
