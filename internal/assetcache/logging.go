package assetcache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. "debug" selects the development
// encoder; anything else uses the production JSON encoder at that level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if level == "debug" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}
