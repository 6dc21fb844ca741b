// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Every resilience setting is optional; zero values are replaced by the
// Default* constants before validation.
package config
