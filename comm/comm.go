// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package comm defines the interface a collective-communication backend needs
// to implement to be used by the partitioned optimizer.
//
// A backend wraps the collective primitives (all-reduce, reduce-scatter,
// all-gather, broadcast) over some device/network fabric. It has no knowledge
// of optimizer semantics: it only moves and combines flat float32 buffers.
//
// All operations are asynchronous and return a *Handle that can be polled or
// awaited. Completion order across independently issued handles is
// unspecified, except that operations issued by the same rank complete in
// issue order.
//
// Backends register themselves by name (see Register) and are selected with a
// configuration string, so the fabric in use can be swapped at configuration
// time without touching the optimizer core.
package comm

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Rank identifies one participant (device/process) in the distributed run.
type Rank int

// ReduceOp is the element-wise combination applied by reducing collectives.
type ReduceOp int

const (
	// ReduceSum adds contributions element-wise.
	ReduceSum ReduceOp = iota

	// ReduceMax takes the element-wise maximum. Used to agree on the
	// overflow flag across ranks.
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	}
	return "invalid"
}

// Backend is one rank's view of the collective fabric.
//
// The splits arguments give the number of elements contributed by (or
// delivered to) each rank, in rank order; they must be identical on every
// rank of one collective call. Mismatched buffer or split sizes are
// programming errors and panic.
//
// Collectives mutate only the buffers explicitly passed to them.
type Backend interface {
	// Name of the backend implementation, e.g. "mem".
	Name() string

	// Rank of this participant, in [0, WorldSize).
	Rank() Rank

	// WorldSize is the number of participating ranks.
	WorldSize() int

	// AllReduce combines data element-wise across all ranks and writes the
	// result back into data on every rank.
	AllReduce(data []float32, op ReduceOp) *Handle

	// ReduceScatter combines data element-wise across all ranks and scatters
	// the result: rank r receives the r-th region of the reduced buffer, as
	// delimited by splits, into out. len(data) must equal the sum of splits
	// and len(out) must equal splits[rank].
	ReduceScatter(data []float32, splits []int, out []float32, op ReduceOp) *Handle

	// AllGather concatenates every rank's shard, in rank order, into out on
	// every rank. len(shard) must equal splits[rank] and len(out) the sum of
	// splits.
	AllGather(shard []float32, splits []int, out []float32) *Handle

	// Broadcast copies root's data into every other rank's data buffer.
	// All ranks must pass buffers of the same length.
	Broadcast(data []float32, root Rank) *Handle

	// Finalize releases the backend's resources. No collective may be issued
	// after it. It must be called by every rank.
	Finalize()
}

// Failure is the error surfaced when a collective operation fails or times
// out. It aborts the training step it belongs to and is never retried inside
// the communication layer: retrying a partially completed collective could
// leave optimizer-state shards divergent across ranks, so the retry decision
// belongs to the caller.
type Failure struct {
	// Op names the failed collective, e.g. "reduce-scatter".
	Op string

	// Rank that observed the failure.
	Rank Rank

	// Cause of the failure, e.g. a timeout or transport error.
	Cause error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return "communication failure: " + f.Op + ": " + f.Cause.Error()
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error { return f.Cause }

// IsFailure reports whether err is (or wraps) a communication Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// Constructor builds the per-rank Backend views of one world from a
// backend-specific configuration string (may be empty).
//
// In-process backends return one Backend per rank; multi-process backends
// return a single element for the calling process's rank.
type Constructor func(config string) ([]Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// DefaultConfig is the backend configuration used by New if the environment
// variable is not set.
var DefaultConfig string

// ConfigEnvVar is the environment variable overriding the backend
// configuration, in the form "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "SHARDOPT_BACKEND"

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("comm.Register: backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// New returns the Backend views for a new default world.
//
// The default configuration is taken from the SHARDOPT_BACKEND environment
// variable if set, then from DefaultConfig, and otherwise the first
// registered backend with an empty configuration.
func New() ([]Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a world from a "<backend_name>:<backend_configuration>"
// string. An empty backend name selects the first registered backend.
func NewWithConfig(config string) ([]Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no communication backends registered -- import one, e.g. _ "github.com/shardopt/shardopt/comm/mem"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find communication backend %q for configuration %q", backendName, config)
	}
	return constructor(backendConfig)
}
