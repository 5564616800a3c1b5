// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// shardopt_sim drives a synthetic data-parallel training run over an
// in-process world, to exercise and benchmark the partitioned optimizer
// without any real model or accelerator: parameters are randomly
// initialized, gradients are randomly generated per rank and step.
//
// Example, 8 ranks with parameter partitioning and periodic checkpoints:
//
//	shardopt_sim --world=8 --stage=3 --steps=500 \
//	    --checkpoint_dir=/tmp/simrun --checkpoint_every=100
//
// A model and run configuration can also be given as YAML with --config;
// command-line flags override the file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/shardopt/shardopt/checkpoints"
	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/comm/mem"
	"github.com/shardopt/shardopt/engine"
	"github.com/shardopt/shardopt/fabric"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

var (
	flagConfig    = flag.String("config", "", "YAML run configuration. Flags given on the command line take precedence over it.")
	flagWorld     = flag.Int("world", 4, "Number of simulated ranks.")
	flagStage     = flag.Int("stage", 2, "Partitioning stage: 1 partitions optimizer states, 2 also gradients, 3 also parameters.")
	flagSteps     = flag.Int("steps", 100, "Number of training steps to simulate.")
	flagBucket    = flag.String("bucket", "", "Communication bucket size, e.g. \"4MiB\". Empty selects the engine default.")
	flagNoOverlap = flag.Bool("no_overlap", false, "Disable overlapping of gradient reduction with the backward pass.")
	flagSeed      = flag.Int64("seed", 42, "Seed for parameter initialization and synthetic gradients.")

	flagOptimizer = flag.String("optimizer", "", "Optimizer to simulate: \"adam\" (default) or \"sgd\".")
	flagLR        = flag.Float64("learning_rate", 0, "Learning rate; 0 selects the optimizer's default.")

	flagCheckpointDir   = flag.String("checkpoint_dir", "", "Directory to checkpoint into. Empty disables checkpointing.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 0, "Checkpoint every n applied steps. 0 checkpoints only at the end.")
	flagKeep            = flag.Int("keep", 3, "Number of checkpoints to retain.")

	flagSpikeEvery = flag.Int("spike_every", 0, "Inject a gradient overflow every n steps, to exercise loss-scale backoff. 0 disables.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	config := must.M1(loadConfig(*flagConfig))
	applyFlagOverrides(config)
	must.M(run(config))
}

// applyFlagOverrides copies explicitly given flags over the file
// configuration.
func applyFlagOverrides(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "world":
			config.World = *flagWorld
		case "stage":
			config.Stage = *flagStage
		case "steps":
			config.Steps = *flagSteps
		case "bucket":
			config.Bucket = *flagBucket
		case "no_overlap":
			config.Overlap = !*flagNoOverlap
		case "seed":
			config.Seed = *flagSeed
		case "optimizer":
			config.Optimizer.Name = *flagOptimizer
		case "learning_rate":
			config.Optimizer.LearningRate = *flagLR
		case "checkpoint_dir":
			config.Checkpoint.Dir = *flagCheckpointDir
		case "checkpoint_every":
			config.Checkpoint.Every = *flagCheckpointEvery
		case "keep":
			config.Checkpoint.Keep = *flagKeep
		case "spike_every":
			config.SpikeEvery = *flagSpikeEvery
		}
	})
}

// rankResult is what each simulated rank reports back for the final summary.
type rankResult struct {
	shards     int
	ownedBytes uintptr
	applied    int64
	skipped    int64
	lossScale  float32
}

func run(config *Config) error {
	bucketBytes, err := config.bucketBytes()
	if err != nil {
		return err
	}
	opt, err := config.buildOptimizer()
	if err != nil {
		return err
	}
	for _, layer := range config.Model {
		if _, err := parseDType(layer.DType); err != nil {
			return err
		}
	}

	_, backends, err := mem.NewWorld(config.World)
	if err != nil {
		return err
	}
	bar := progressbar.Default(int64(config.Steps), "training")

	start := time.Now()
	results := make([]rankResult, config.World)
	var group errgroup.Group
	for _, b := range backends {
		group.Go(func() error {
			result, err := runRank(config, b, bucketBytes, opt, bar)
			if err != nil {
				return err
			}
			results[b.Rank()] = *result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	_ = bar.Finish()

	printSummary(config, results, elapsed)
	return nil
}

// runRank is one rank's training loop.
func runRank(config *Config, b comm.Backend, bucketBytes uintptr, opt optimizers.Interface, bar *progressbar.ProgressBar) (*rankResult, error) {
	defer b.Finalize()

	params, err := buildModel(config)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(b, params, engine.Config{
		Stage:       partition.Stage(config.Stage),
		BucketBytes: bucketBytes,
		Overlap:     config.Overlap,
		LossScale:   config.ampConfig(),
		Optimizer:   opt,
	})
	if err != nil {
		return nil, err
	}

	var ckpt *checkpoints.Manager
	if config.Checkpoint.Dir != "" {
		ckpt, err = checkpoints.Build(e).
			Dir(config.Checkpoint.Dir).
			Keep(config.Checkpoint.Keep).
			Done()
		if err != nil {
			return nil, err
		}
		// Resume if a previous run left checkpoints behind.
		switch err := ckpt.Load(); {
		case err == nil:
			klog.Infof("rank %d: resuming from step %d", b.Rank(), e.StepCount())
		case errors.Is(err, checkpoints.ErrNoCheckpoint):
			// Fresh run.
		default:
			return nil, err
		}
	}

	result := &rankResult{}
	for _, shard := range e.Plan().OwnedBy(b.Rank()) {
		if !shard.Range.IsEmpty() {
			result.shards++
		}
	}
	result.ownedBytes = e.Plan().OwnedBytes(b.Rank())

	hp := optimizers.HyperParams{LearningRate: config.Optimizer.LearningRate}
	for step := 0; step < config.Steps; step++ {
		rng := rand.New(rand.NewSource(config.Seed ^ int64(b.Rank())<<20 ^ int64(step)))
		for _, p := range params {
			grad := syntheticGradient(rng, p.NumElements(), e.LossScale())
			if config.SpikeEvery > 0 && step > 0 && step%config.SpikeEvery == 0 &&
				int(b.Rank()) == step%config.World && len(grad) > 0 {
				grad[0] = float32(math.Inf(1))
			}
			if err := e.SubmitGradient(p.Index, grad); err != nil {
				return nil, err
			}
		}
		outcome, err := e.Step(hp)
		if err != nil {
			return nil, err
		}
		if outcome.Applied {
			result.applied++
		} else {
			result.skipped++
			klog.V(1).Infof("rank %d: step %d skipped, loss scale now %g", b.Rank(), step, outcome.LossScale)
		}
		result.lossScale = outcome.LossScale
		if b.Rank() == 0 {
			_ = bar.Add(1)
		}
		if ckpt != nil && config.Checkpoint.Every > 0 && outcome.Applied &&
			outcome.Step%int64(config.Checkpoint.Every) == 0 {
			if _, err := ckpt.Save(); err != nil {
				return nil, err
			}
		}
	}
	if ckpt != nil {
		if _, err := ckpt.Save(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// buildModel creates this rank's replica of the synthetic model. All ranks
// seed identically, so the replicas start out the same.
func buildModel(config *Config) ([]*fabric.Parameter, error) {
	rng := rand.New(rand.NewSource(config.Seed))
	params := make([]*fabric.Parameter, 0, len(config.Model))
	for ii, layer := range config.Model {
		dtype, err := parseDType(layer.DType)
		if err != nil {
			return nil, err
		}
		value := make([]float32, layer.Elements)
		scale := 1 / float32(math.Sqrt(float64(layer.Elements)+1))
		for jj := range value {
			value[jj] = float32(rng.NormFloat64()) * scale
		}
		p := fabric.NewParameter(layer.Name, ii, dtype, value)
		fabric.RoundToDType(p.Value, dtype)
		params = append(params, p)
	}
	return params, nil
}

// syntheticGradient emulates what a backward pass over the loss-scaled
// objective would hand the engine.
func syntheticGradient(rng *rand.Rand, n int, lossScale float32) []float32 {
	grad := make([]float32, n)
	for ii := range grad {
		grad[ii] = float32(rng.NormFloat64()) * 0.01 * lossScale
	}
	return grad
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func printSummary(config *Config, results []rankResult, elapsed time.Duration) {
	var totalElements, totalBytes uint64
	for _, layer := range config.Model {
		dtype, _ := parseDType(layer.DType)
		totalElements += uint64(layer.Elements)
		totalBytes += uint64(dtype.Memory()) * uint64(layer.Elements)
	}
	r0 := results[0]

	fmt.Println(titleStyle.Render("Run"))
	runTable := newPlainTable()
	runTable.Row("world size", humanize.Comma(int64(config.World)))
	runTable.Row("stage", fmt.Sprintf("%d", config.Stage))
	runTable.Row("parameters", humanize.Comma(int64(totalElements)))
	runTable.Row("model size", humanize.IBytes(totalBytes))
	runTable.Row("steps applied", humanize.Comma(r0.applied))
	runTable.Row("steps skipped", humanize.Comma(r0.skipped))
	runTable.Row("final loss scale", fmt.Sprintf("%g", r0.lossScale))
	runTable.Row("wall time", elapsed.Round(time.Millisecond).String())
	runTable.Row("steps/s", fmt.Sprintf("%.1f", float64(config.Steps)/elapsed.Seconds()))
	fmt.Println(runTable.Render())

	fmt.Println(titleStyle.Render("Per-rank ownership"))
	rankTable := newPlainTable().Headers("Rank", "Shards", "Owned bytes")
	for rank, result := range results {
		rankTable.Row(
			fmt.Sprintf("%d", rank),
			humanize.Comma(int64(result.shards)),
			humanize.IBytes(uint64(result.ownedBytes)))
	}
	fmt.Println(rankTable.Render())
}
