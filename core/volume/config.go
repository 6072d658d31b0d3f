package volume

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BlockSize int `envconfig:"MIRROR_BLOCK_SIZE" default:"512"`

	Pool struct {
		MaxWorkUnits int `envconfig:"MIRROR_MAX_WORK_UNITS" default:"256"`
		MaxCCBs      int `envconfig:"MIRROR_MAX_CCBS" default:"1024"`
	}

	Rebuild struct {
		Blocks int64 `envconfig:"MIRROR_REBUILD_BLOCKS" default:"128"`
	}

	Scrub struct {
		Blocks int64 `envconfig:"MIRROR_SCRUB_BLOCKS" default:"128"`
	}

	Health struct {
		// ChunkErrorLimit takes a chunk offline once this many of its CCBs
		// have failed. Zero disables it.
		ChunkErrorLimit uint64        `envconfig:"MIRROR_CHUNK_ERROR_LIMIT" default:"0"`
		Interval        time.Duration `envconfig:"MIRROR_HEALTH_INTERVAL" default:"10s"`
		Failures        int           `envconfig:"MIRROR_HEALTH_FAILURES" default:"3"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration GetConfig yields with an empty environment.
func DefaultConfig() *Config {
	var cfg Config
	cfg.BlockSize = 512
	cfg.Pool.MaxWorkUnits = 256
	cfg.Pool.MaxCCBs = 1024
	cfg.Rebuild.Blocks = 128
	cfg.Scrub.Blocks = 128
	cfg.Health.Interval = 10 * time.Second
	cfg.Health.Failures = 3

	return &cfg
}
