// Package config loads service settings from an optional .env file, an
// optional config.yaml and TASKQUEUE_-prefixed environment variables, in
// increasing order of precedence, and validates the result before any
// component is constructed.
package config
