// Package config loads and validates the conveyor daemon configuration.
package config
