// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package amp implements the mixed-precision coordinator: a dynamic loss
// scaler that detects overflow in reduced gradients and decides, identically
// on every rank, whether a step is applied or skipped.
//
// Under half-precision compute, gradients are multiplied by a loss scale
// before the backward pass to keep small magnitudes from flushing to zero.
// The scaler grows the scale after a window of clean steps and backs it off
// whenever a non-finite gradient shows up; the step that overflowed is
// skipped, which is a recovery, not an error.
package amp

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/fabric"
)

const (
	// DefaultInitialScale is 2^16, the customary starting loss scale.
	DefaultInitialScale = 65536

	// DefaultWindow is the number of consecutive clean steps after which the
	// scale is doubled.
	DefaultWindow = 2000

	// DefaultFloor is the smallest loss scale the backoff may reach.
	DefaultFloor = 1

	// DefaultCeiling is 2^24, the largest loss scale growth may reach.
	DefaultCeiling = 1 << 24
)

// Config of the dynamic loss scaler. The zero value selects all defaults.
type Config struct {
	// InitialScale of the loss. Defaults to DefaultInitialScale.
	InitialScale float32

	// Window is the number of consecutive non-overflowing steps after which
	// the scale is multiplied by Growth. Defaults to DefaultWindow.
	Window int

	// Floor the scale never drops below. Defaults to DefaultFloor.
	Floor float32

	// Ceiling the scale never grows above. Defaults to DefaultCeiling.
	Ceiling float32

	// Backoff factor applied on overflow, in (0, 1). Defaults to 0.5.
	Backoff float32

	// Growth factor applied after Window clean steps, > 1. Defaults to 2.
	Growth float32
}

func (c Config) withDefaults() Config {
	if c.InitialScale == 0 {
		c.InitialScale = DefaultInitialScale
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Floor == 0 {
		c.Floor = DefaultFloor
	}
	if c.Ceiling == 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.Backoff == 0 {
		c.Backoff = 0.5
	}
	if c.Growth == 0 {
		c.Growth = 2
	}
	return c
}

// NewScaler validates the configuration and creates a scaler at the initial
// scale.
func NewScaler(config Config) (*Scaler, error) {
	config = config.withDefaults()
	if config.Floor <= 0 {
		return nil, errors.Errorf("loss-scale floor must be positive, got %g", config.Floor)
	}
	if config.InitialScale < config.Floor {
		return nil, errors.Errorf("initial loss scale %g below the floor %g", config.InitialScale, config.Floor)
	}
	if config.Ceiling < config.InitialScale {
		return nil, errors.Errorf("loss-scale ceiling %g below the initial scale %g", config.Ceiling, config.InitialScale)
	}
	if config.Backoff <= 0 || config.Backoff >= 1 {
		return nil, errors.Errorf("loss-scale backoff must be in (0, 1), got %g", config.Backoff)
	}
	if config.Growth <= 1 {
		return nil, errors.Errorf("loss-scale growth must be > 1, got %g", config.Growth)
	}
	if config.Window < 0 {
		return nil, errors.Errorf("loss-scale window must be non-negative, got %d", config.Window)
	}
	return &Scaler{
		config:    config,
		scale:     config.InitialScale,
		overflows: 0,
	}, nil
}

// Scaler holds the dynamic loss scale of one rank. All ranks hold the same
// value at every step boundary, guaranteed by deciding each step through
// Agree. It has a single writer (the engine's step path) and is not safe for
// concurrent mutation.
type Scaler struct {
	config    Config
	scale     float32
	goodSteps int
	overflows int64
}

// Scale returns the current loss scale.
func (s *Scaler) Scale() float32 { return s.scale }

// GoodSteps returns how many consecutive clean steps have passed since the
// last scale change. Part of the persisted state: restoring it makes resumed
// training bitwise identical.
func (s *Scaler) GoodSteps() int { return s.goodSteps }

// Restore the persisted scaler state.
func (s *Scaler) Restore(scale float32, goodSteps int) {
	s.scale = scale
	s.goodSteps = goodSteps
}

// CheckLocal scans reduced gradient buffers for non-finite values and
// reports whether this rank saw an overflow.
func (s *Scaler) CheckLocal(buffers ...[]float32) bool {
	for _, buffer := range buffers {
		if fabric.HasNonFinite(buffer) {
			return true
		}
	}
	return false
}

// Agree combines the local overflow flags of all ranks with a one-element
// max all-reduce, so every rank reaches the same verdict for the step. The
// collective also acts as the step's synchronization point for the
// scale/step-counter update that follows.
func (s *Scaler) Agree(backend comm.Backend, localOverflow bool, timeout time.Duration) (bool, error) {
	flag := []float32{0}
	if localOverflow {
		flag[0] = 1
	}
	if err := backend.AllReduce(flag, comm.ReduceMax).Await(timeout); err != nil {
		return false, err
	}
	return flag[0] != 0, nil
}

// RecordStepResult updates the loss scale after the step's verdict is
// agreed: overflow halves the scale (clamped to the floor) and restarts the
// window; a full window of clean steps doubles it (clamped to the ceiling).
func (s *Scaler) RecordStepResult(overflowDetected bool) {
	if overflowDetected {
		s.goodSteps = 0
		s.overflows++
		newScale := s.scale * s.config.Backoff
		if newScale < s.config.Floor {
			newScale = s.config.Floor
		}
		if klog.V(1).Enabled() || s.overflows&(s.overflows-1) == 0 {
			// Log the first few overflows, then exponentially rarely.
			klog.Warningf("gradient overflow #%d: skipping step, loss scale %g -> %g", s.overflows, s.scale, newScale)
		}
		s.scale = newScale
		return
	}
	s.goodSteps++
	if s.config.Window > 0 && s.goodSteps >= s.config.Window {
		s.goodSteps = 0
		newScale := s.scale * s.config.Growth
		if newScale > s.config.Ceiling {
			newScale = s.config.Ceiling
		}
		if newScale != s.scale {
			klog.V(1).Infof("loss scale raised %g -> %g after %d clean steps", s.scale, newScale, s.config.Window)
		}
		s.scale = newScale
	}
}
