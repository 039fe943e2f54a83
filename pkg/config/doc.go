// Package config loads typed configuration from environment variables.
//
// It wraps github.com/caarlos0/env/v11 for struct tag parsing and
// github.com/joho/godotenv for optional .env files. Each configuration
// type is parsed once and cached for the life of the process; structs that
// implement Validator are checked before they are cached.
//
//	var cfg billing.Config
//	config.MustLoad(&cfg)
//
// Tests that change the environment call Reset between loads.
package config
