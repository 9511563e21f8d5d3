package config

import "github.com/coral-mesh/tracecov/internal/constants"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Timeout: constants.DefaultTestTimeout,
		Jobs:    constants.DefaultJobs,
		Filter: FilterConfig{
			DebugFileDirs: []string{constants.DefaultDebugFileDir},
		},
		Trace: TraceConfig{
			Mode:        constants.DefaultTraceMode,
			MergePolicy: constants.DefaultMergePolicy,
		},
		Cache: CacheConfig{
			Path: constants.DefaultCachePath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
