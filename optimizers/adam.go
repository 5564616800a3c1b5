// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/shardopt/shardopt/types/xslices"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method based on adaptive
// estimation of first-order and second-order moments, per
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object; once configured call Done and it will
// return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration of an Adam optimizer, created with
// Adam(); once configured call Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given
// static weight decay. L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface
// that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

type adam struct {
	config *AdamConfig
}

// Name implements Interface.
func (o *adam) Name() string { return "adam" }

// NewState implements Interface.
func (o *adam) NewState(init []float32) *ShardState {
	return &ShardState{
		Master:  xslices.Copy(init),
		Moment1: make([]float32, len(init)),
		Moment2: make([]float32, len(init)),
	}
}

// ApplyShard implements Interface.
func (o *adam) ApplyShard(state *ShardState, grad []float32, hp HyperParams, step int64) {
	checkShardSizes("adam", state, grad)
	lr := hp.LearningRate
	if lr <= 0 {
		lr = o.config.learningRate
	}
	if lr <= 0 {
		lr = AdamDefaultLearningRate
	}

	// Scalar factors are computed once in float64, the per-element loop runs
	// in float32 like the moment buffers.
	beta1 := float32(o.config.beta1)
	beta2 := float32(o.config.beta2)
	oneMinusBeta1 := float32(1 - o.config.beta1)
	oneMinusBeta2 := float32(1 - o.config.beta2)
	debias1 := float32(1 / (1 - math.Pow(o.config.beta1, float64(step))))
	debias2 := float32(1 / (1 - math.Pow(o.config.beta2, float64(step))))
	epsilon := float32(o.config.epsilon)
	lr32 := float32(lr)
	weightDecay := float32(o.config.weightDecay)

	for ii, g := range grad {
		m1 := beta1*state.Moment1[ii] + oneMinusBeta1*g
		state.Moment1[ii] = m1
		m2 := beta2*state.Moment2[ii] + oneMinusBeta2*g*g
		state.Moment2[ii] = m2

		stepDirection := (m1 * debias1) / (sqrt32(m2*debias2) + epsilon)
		if weightDecay > 0 {
			stepDirection += weightDecay * state.Master[ii]
		}
		state.Master[ii] -= lr32 * stepDirection
	}
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
