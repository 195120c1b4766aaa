// Package config loads the gateway's YAML configuration.
//
// Files support ${VAR_NAME} environment expansion and Go duration strings
// for timing fields. Missing optional values fall back to sane defaults;
// auth.jwt_secret is the only required field.
package config
