// Package config handles configuration loading, parsing, and validation
// from environment variables and an optional config file. It provides
// type-safe access to broker, store and server settings while keeping
// configuration details separate from the messaging logic.
package config
