// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/shardopt/shardopt/amp"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

// Config of one simulated training run, loadable from YAML. Zero values
// select the same defaults the engine uses.
type Config struct {
	World   int    `yaml:"world"`
	Stage   int    `yaml:"stage"`
	Steps   int    `yaml:"steps"`
	Bucket  string `yaml:"bucket"` // human-readable, e.g. "16MiB"
	Overlap bool   `yaml:"overlap"`
	Seed    int64  `yaml:"seed"`

	// SpikeEvery injects a gradient overflow every n steps, to exercise the
	// loss-scaling backoff path. 0 disables spikes.
	SpikeEvery int `yaml:"spike_every"`

	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	LossScale  LossScaleConfig  `yaml:"loss_scale"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	Model []LayerConfig `yaml:"model"`
}

type OptimizerConfig struct {
	Name         string  `yaml:"name"` // "adam" (default) or "sgd"
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`     // sgd only
	WeightDecay  float64 `yaml:"weight_decay"` // adam only
}

type LossScaleConfig struct {
	Initial float32 `yaml:"initial"`
	Window  int     `yaml:"window"`
	Floor   float32 `yaml:"floor"`
}

type CheckpointConfig struct {
	Dir   string `yaml:"dir"`
	Keep  int    `yaml:"keep"`
	Every int    `yaml:"every"`
}

type LayerConfig struct {
	Name     string `yaml:"name"`
	Elements int    `yaml:"elements"`
	DType    string `yaml:"dtype"` // "float32" (default) or "float16"
}

// defaultConfig is the model simulated when no --config file is given: a
// small transformer-ish mix of large embedding matrices, square dense layers
// and tiny bias/norm vectors, which gives the partitioner uneven work.
func defaultConfig() *Config {
	return &Config{
		World:   4,
		Stage:   int(partition.StageGradients),
		Steps:   100,
		Overlap: true,
		Seed:    42,
		Model: []LayerConfig{
			{Name: "embedding", Elements: 512 * 1024},
			{Name: "dense0/weights", Elements: 512 * 512, DType: "float16"},
			{Name: "dense0/bias", Elements: 512},
			{Name: "dense1/weights", Elements: 512 * 512, DType: "float16"},
			{Name: "dense1/bias", Elements: 512},
			{Name: "norm/scale", Elements: 512},
			{Name: "norm/offset", Elements: 512},
			{Name: "readout", Elements: 512 * 128},
		},
	}
}

// loadConfig reads a YAML run configuration, filling unset fields from the
// defaults.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", path)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(contents)))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %q", path)
	}
	return config, nil
}

// bucketBytes parses the human-readable bucket size, 0 meaning the engine
// default.
func (c *Config) bucketBytes() (uintptr, error) {
	if c.Bucket == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Bucket)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing bucket size %q", c.Bucket)
	}
	return uintptr(n), nil
}

// buildOptimizer translates the optimizer section.
func (c *Config) buildOptimizer() (optimizers.Interface, error) {
	oc := c.Optimizer
	switch oc.Name {
	case "", "adam":
		config := optimizers.Adam()
		if oc.LearningRate > 0 {
			config.LearningRate(oc.LearningRate)
		}
		if oc.WeightDecay > 0 {
			config.WeightDecay(oc.WeightDecay)
		}
		return config.Done(), nil
	case "sgd":
		config := optimizers.SGD()
		if oc.LearningRate > 0 {
			config.LearningRate(oc.LearningRate)
		}
		if oc.Momentum > 0 {
			config.Momentum(oc.Momentum)
		}
		return config.Done(), nil
	}
	return nil, errors.Errorf("unknown optimizer %q, valid values are \"adam\" and \"sgd\"", oc.Name)
}

func (c *Config) ampConfig() amp.Config {
	return amp.Config{
		InitialScale: c.LossScale.Initial,
		Window:       c.LossScale.Window,
		Floor:        c.LossScale.Floor,
	}
}

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "", "float32":
		return dtypes.Float32, nil
	case "float16":
		return dtypes.Float16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are \"float32\" and \"float16\"", name)
}
