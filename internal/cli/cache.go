package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracecov/internal/config"
	"github.com/coral-mesh/tracecov/internal/coverage"
)

// cachePath picks the --cache flag over the configured path.
func cachePath(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.Cache.Path
}

// openCache opens an existing coverage cache.
func openCache(ctx context.Context, logger zerolog.Logger, path string, readOnly bool) (*coverage.Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no coverage cache at %s; run 'tracecov run' first", path)
		}
		return nil, err
	}
	return coverage.OpenStore(ctx, logger, path, readOnly)
}
