// Package config resolves the project settings from multiple sources (a .env
// file, environment variables, a YAML file and CLI flags) with precedence:
// CLI flags > YAML config > Environment variables > Defaults. It exposes a
// strongly typed Settings value to the rest of the application and validates
// the cross references between its sections.
package config
