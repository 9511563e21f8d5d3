package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/logging"
	"github.com/coral-mesh/tracecov/internal/tracer"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError collects every invalid field of a configuration.
type MultiValidationError struct {
	Errors []ValidationError
}

func (e *MultiValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Validate checks that the configuration describes a runnable trace.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(c.Binaries) == 0 {
		add("binaries", "at least one test binary is required")
	}
	for i, b := range c.Binaries {
		if strings.TrimSpace(b) == "" {
			add(fmt.Sprintf("binaries[%d]", i), "path is empty")
		}
	}
	if c.Timeout <= 0 {
		add("timeout", "must be positive, got %s", c.Timeout)
	}
	if c.Jobs < 1 {
		add("jobs", "must be at least 1, got %d", c.Jobs)
	}
	if c.TestThreads < 0 {
		add("test_threads", "must not be negative, got %d", c.TestThreads)
	}
	for i, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			add(fmt.Sprintf("env[%d]", i), "%q is not KEY=VALUE", kv)
		}
	}
	if _, err := tracer.ParseMode(c.Trace.Mode); err != nil {
		add("trace.mode", "%v", err)
	}
	if _, err := coverage.ParseMergePolicy(c.Trace.MergePolicy); err != nil {
		add("trace.merge_policy", "%v", err)
	}
	if !c.Cache.Disabled && c.Cache.Path == "" {
		add("cache.path", "is required unless the cache is disabled")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
