// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the per-shard update rules of the standard
// first-order optimizer family (SGD, Adam).
//
// An optimizer here never sees whole model tensors: it is applied by the
// owning rank to one shard at a time, as a pure function of the shard's
// current state, the reduced gradient and the step counter. The update math
// runs on float32 master weights regardless of the model's compute dtype.
//
// Optimizers are created with a configuration builder, e.g.:
//
//	opt := optimizers.Adam().LearningRate(1e-3).WeightDecay(0.01).Done()
package optimizers

import (
	"github.com/gomlx/exceptions"

	"github.com/shardopt/shardopt/types/xslices"
)

// SGDDefaultLearningRate is used by SGD if no learning rate is set.
const SGDDefaultLearningRate = 0.01

// HyperParams are the per-step knobs the training loop may override.
type HyperParams struct {
	// LearningRate for this step. If <= 0, the optimizer's configured value
	// is used.
	LearningRate float64
}

// ShardState is the optimizer-state record of one shard: the fp32 master copy
// of the weights and the optimizer's moment buffers. It is created at the
// first applied step touching the shard, lives for the training duration and
// is mutated only by the owning rank.
type ShardState struct {
	// Master copy of the weights, always float32.
	Master []float32

	// Moment1 is the first-moment (momentum) accumulator; nil if the
	// optimizer keeps none.
	Moment1 []float32

	// Moment2 is the second-moment (variance) accumulator; nil if the
	// optimizer keeps none.
	Moment2 []float32
}

// Interface implemented by every optimizer.
type Interface interface {
	// Name of the optimizer, e.g. "adam".
	Name() string

	// NewState creates the state record for a shard whose current weight
	// values are init. The values are copied.
	NewState(init []float32) *ShardState

	// ApplyShard runs the per-element update formula on one owned shard.
	// grad is the reduced, unscaled mean gradient for the shard's range and
	// step is the number of this applied step, starting at 1 (used for
	// bias-correction terms).
	ApplyShard(state *ShardState, grad []float32, hp HyperParams, step int64)
}

func checkShardSizes(name string, state *ShardState, grad []float32) {
	if len(grad) != len(state.Master) {
		exceptions.Panicf("%s.ApplyShard: gradient has %d elements, shard has %d", name, len(grad), len(state.Master))
	}
}

// SGD returns a configuration for a stochastic-gradient-descent optimizer,
// optionally with (Nesterov) momentum. Call Done to build the Interface.
func SGD() *SGDConfig {
	return &SGDConfig{
		learningRate: -1, // < 0 means use the default.
	}
}

// SGDConfig is created with SGD() and configured with its methods; call Done
// when finished.
type SGDConfig struct {
	learningRate float64
	momentum     float64
	nesterov     bool
}

// LearningRate sets the base learning rate. Default is SGDDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the momentum coefficient. 0 (the default) disables the
// momentum buffer entirely.
func (c *SGDConfig) Momentum(value float64) *SGDConfig {
	c.momentum = value
	return c
}

// Nesterov enables Nesterov momentum. Only meaningful with Momentum > 0.
func (c *SGDConfig) Nesterov() *SGDConfig {
	c.nesterov = true
	return c
}

// Done builds the optimizer from the configuration.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: c}
}

type sgd struct {
	config *SGDConfig
}

// Name implements Interface.
func (o *sgd) Name() string { return "sgd" }

// NewState implements Interface. The momentum buffer is only allocated when
// momentum is enabled.
func (o *sgd) NewState(init []float32) *ShardState {
	state := &ShardState{Master: xslices.Copy(init)}
	if o.config.momentum > 0 {
		state.Moment1 = make([]float32, len(init))
	}
	return state
}

// ApplyShard implements Interface.
func (o *sgd) ApplyShard(state *ShardState, grad []float32, hp HyperParams, step int64) {
	checkShardSizes("sgd", state, grad)
	lr := hp.LearningRate
	if lr <= 0 {
		lr = o.config.learningRate
	}
	if lr <= 0 {
		lr = SGDDefaultLearningRate
	}
	lr32 := float32(lr)
	if o.config.momentum <= 0 {
		for ii, g := range grad {
			state.Master[ii] -= lr32 * g
		}
		return
	}
	momentum := float32(o.config.momentum)
	for ii, g := range grad {
		buf := momentum*state.Moment1[ii] + g
		state.Moment1[ii] = buf
		if o.config.nesterov {
			g += momentum * buf
		} else {
			g = buf
		}
		state.Master[ii] -= lr32 * g
	}
}
