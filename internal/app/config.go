package app

import (
	"errors"
	"fmt"

	"github.com/vk/gridflow/internal/order"
)

// Config holds everything an App instance needs to run one grid.
type Config struct {
	GridPath string   // .hcl file or directory of .hcl files
	Targets  []string // keys to compute; empty means the grid's output blocks

	Scheduler     string // sync, threads, processes, or a listen address
	Workers       int
	SymmetryRatio float64

	LogFormat string
	LogLevel  string

	Trace bool // print the memory-pressure trace instead of executing
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.GridPath == "" {
		return nil, errors.New("GridPath is a required configuration field and cannot be empty")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("Workers must be non-negative, got %d", cfg.Workers)
	}
	switch cfg.Scheduler {
	case "sync", "threads", "processes":
	default:
		// Anything else is a listen address for distributed workers.
		if cfg.Scheduler == "" {
			cfg.Scheduler = "threads"
		}
	}
	if cfg.SymmetryRatio <= 0 {
		cfg.SymmetryRatio = order.DefaultSymmetryRatio
	}
	return &cfg, nil
}
