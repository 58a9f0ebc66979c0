// Package backend provides the display protection backends driven by the negotiator
package backend

import (
	"fmt"
	"time"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/protection"
)

// Backend is a protection.Backend that can report its name and release resources
type Backend interface {
	protection.Backend
	Name() string
	Close() error
}

// New selects a backend from the configuration
func New(cfg config.BackendConfig) (Backend, error) {
	kind := cfg.Kind
	if kind == "" || kind == "auto" {
		if cfg.SetCommand != "" && cfg.GetCommand != "" {
			kind = "exec"
		} else {
			kind = "simulated"
		}
		logger.Debugf("Backend auto-selection picked %s", kind)
	}

	switch kind {
	case "exec":
		return NewExec(ExecOptions{
			SetCommand: cfg.SetCommand,
			GetCommand: cfg.GetCommand,
			Timeout:    time.Duration(cfg.CommandTimeout) * time.Second,
		})
	case "simulated":
		logger.Warn("Using simulated display backend, no hardware protection is applied")
		return NewSimulated(SimulatedOptions{
			EnableDelay: config.Millis(cfg.EnableDelayMs),
			DropAfter:   config.Millis(cfg.DropAfterMs),
			BusyCount:   cfg.BusyCount,
			NeverEnable: cfg.NeverEnable,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
