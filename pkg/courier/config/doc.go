/*
Package config provides courier's settings.

# Overview

Config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Nested sections are flattened into dotted keys, so

	ratelimit:
	  per_minute: 10

is read with cfg.Int("ratelimit.per_minute", 20).

# Sources

Files are loaded by extension:

	.yaml, .yml   gopkg.in/yaml.v3
	.toml         github.com/BurntSushi/toml
	.json, .jsonc JSON, comments and trailing commas allowed (github.com/tidwall/jsonc)

Environment variables override file values. COURIER_RATELIMIT_PER_MINUTE
sets "ratelimit.per_minute": the first underscore after the prefix separates
the section from the key. LoadDotEnv reads .env files into the environment
first (github.com/joho/godotenv).

	cfg, err := config.Load("courier.yaml")
	opts := cfg.Options()

Values coming from the environment are strings; Int, Float, Bool and
Duration parse them.

# Settings

Config satisfies Settings, the read-only key lookup that other packages
take, for example notify's default recipient.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
