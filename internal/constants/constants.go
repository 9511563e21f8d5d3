package constants

var (
	// ConfigFile is the project-local configuration file looked up in the working directory.
	ConfigFile = "tracecov.yaml"

	DefaultDir = ".tracecov"

	// DefaultCachePath is where accumulated coverage is persisted between invocations.
	DefaultCachePath = DefaultDir + "/" + "coverage.duckdb"

	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "TRACECOV_"
)
