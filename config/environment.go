package config

import (
	"os"
	"strings"
)

// Deployment environments. APP_ENV selects one; development is the default.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

const appEnvVar = "APP_ENV"

// environmentAliases maps shorthands and typos seen in deploy tooling onto
// canonical names.
var environmentAliases = map[string]string{
	"prod":        EnvironmentProduction,
	"producation": EnvironmentProduction,
	"stag":        EnvironmentStaging,
	"stagging":    EnvironmentStaging,
}

// AppEnvironment returns the canonical deployment environment from APP_ENV.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env warrants production strictness, for
// example failing hard on a missing shard file.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// ResolveConfigPath swaps the default config path for its environment
// variant, config/config.production.yml in production and
// config/config.staging.yml in staging. An explicit non-default path is
// respected as given.
func ResolveConfigPath(path string) string {
	const defaultPath = "config/config.yml"
	if path == "" {
		path = defaultPath
	}

	variants := map[string]string{
		EnvironmentProduction: "config/config.production.yml",
		EnvironmentStaging:    "config/config.staging.yml",
	}
	if variant, ok := variants[AppEnvironment()]; ok && (path == defaultPath || path == variant) {
		return variant
	}
	return path
}
