// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// After the file is parsed, ECHO_WS_URL, ECHO_API_URL and PORT override the
// corresponding echo.* fields. This package is the only place the process
// environment is read; the connection and api packages receive explicit values.
package config
