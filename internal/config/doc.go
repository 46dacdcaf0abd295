// Package config loads the zkpayd JSON configuration file, fills in defaults
// relative to the file's directory and validates driver selections for the
// proof store, generation queue, engines, settlement dedup and gateway.
package config
