// Package config loads tracecov's configuration from defaults, a YAML file and
// TRACECOV_* environment variables.
package config

import "time"

// Config is the complete configuration of a tracecov run.
type Config struct {
	// Binaries are the test executables to trace.
	Binaries []string `yaml:"binaries" env:"TRACECOV_BINARIES"`
	// Args are passed to every binary.
	Args []string `yaml:"args" env:"TRACECOV_ARGS"`
	// Dir is the working directory of the binaries.
	Dir string `yaml:"dir" env:"TRACECOV_DIR"`
	// Env entries (KEY=VALUE) are added to the binaries' environment.
	Env []string `yaml:"env"`

	Timeout     time.Duration `yaml:"timeout" env:"TRACECOV_TIMEOUT"`
	Jobs        int           `yaml:"jobs" env:"TRACECOV_JOBS"`
	TestThreads int           `yaml:"test_threads" env:"TRACECOV_TEST_THREADS"`

	FailOnTimeout       bool `yaml:"fail_on_timeout" env:"TRACECOV_FAIL_ON_TIMEOUT"`
	RunWithoutDebugInfo bool `yaml:"run_without_debug_info" env:"TRACECOV_RUN_WITHOUT_DEBUG_INFO"`

	Filter  FilterConfig  `yaml:"filter"`
	Trace   TraceConfig   `yaml:"trace"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// FilterConfig selects which lines count as coverable.
type FilterConfig struct {
	ProjectRoot      string   `yaml:"project_root" env:"TRACECOV_PROJECT_ROOT"`
	ExcludeFiles     []string `yaml:"exclude_files" env:"TRACECOV_EXCLUDE_FILES"`
	ExcludeFunctions []string `yaml:"exclude_functions" env:"TRACECOV_EXCLUDE_FUNCTIONS"`
	DebugFileDirs    []string `yaml:"debug_file_dirs" env:"TRACECOV_DEBUG_FILE_DIRS"`
}

// TraceConfig controls trap behavior and how results combine.
type TraceConfig struct {
	// Mode is "count" or "once".
	Mode string `yaml:"mode" env:"TRACECOV_TRACE_MODE"`
	// AllAddresses traces every address of a line instead of the first.
	AllAddresses bool `yaml:"all_addresses" env:"TRACECOV_TRACE_ALL_ADDRESSES"`
	// MergePolicy is "sum" or "max".
	MergePolicy string `yaml:"merge_policy" env:"TRACECOV_MERGE_POLICY"`
}

// CacheConfig controls the persisted coverage cache.
type CacheConfig struct {
	Path     string `yaml:"path" env:"TRACECOV_CACHE_PATH"`
	Disabled bool   `yaml:"disabled" env:"TRACECOV_CACHE_DISABLED"`
}

// LoggingConfig controls tracecov's own log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TRACECOV_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"TRACECOV_LOG_PRETTY"`
}
