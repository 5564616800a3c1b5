// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores the engine's partitioned state.
//
// Each rank persists only the shards it owns, so checkpoint I/O is spread
// across ranks the same way optimizer memory is. A checkpoint of the world
// at step S is a directory
//
//	<base>/step-0000000042/
//	    metadata-000.json  shards-000.bin
//	    metadata-001.json  shards-001.bin
//	    ...
//
// with one metadata/payload pair per rank. Metadata is JSON; payloads are
// raw little-endian float32, master values first, then the optimizer
// moments, shard after shard in metadata order.
//
// It is configured with a builder:
//
//	ckpt, err := checkpoints.Build(e).Dir("/tmp/run1").Keep(3).Done()
//
// Save and Load must be called by all ranks together, between steps.
package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/shardopt/shardopt/engine"
)

// ErrNoCheckpoint is returned by Load when the base directory holds no
// completed checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

const stepDirPrefix = "step-"

// Builder for a checkpoints Manager. Create with Build, configure with the
// chained methods and finish with Done.
type Builder struct {
	e    *engine.Engine
	dir  string
	keep int
}

// Build starts configuring checkpointing for an engine.
func Build(e *engine.Engine) *Builder {
	return &Builder{e: e, keep: -1}
}

// Dir sets the base directory under which checkpoints are created. It is
// created if needed. Required.
func (b *Builder) Dir(path string) *Builder {
	b.dir = path
	return b
}

// Keep sets how many checkpoints to retain: after a successful Save, older
// ones beyond the n most recent are deleted. The default (or n < 0) keeps
// everything.
func (b *Builder) Keep(n int) *Builder {
	b.keep = n
	return b
}

// Done builds the Manager.
func (b *Builder) Done() (*Manager, error) {
	if b.e == nil {
		return nil, errors.New("checkpoints: no engine given to Build")
	}
	if b.dir == "" {
		return nil, errors.New("checkpoints: Dir is required")
	}
	if b.keep == 0 {
		return nil, errors.New("checkpoints: Keep(0) would delete every checkpoint just saved")
	}
	if err := os.MkdirAll(b.dir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "checkpoints: creating base directory %q", b.dir)
	}
	return &Manager{e: b.e, dir: b.dir, keep: b.keep}, nil
}

// Manager saves and restores one rank's engine state under a base directory
// shared by all ranks.
type Manager struct {
	e    *engine.Engine
	dir  string
	keep int
}

// metadata is the JSON sidecar of one rank's payload file. The engine
// snapshot is embedded minus its float payloads, which live in the .bin
// file; shardLayout records how to slice them back out.
type metadata struct {
	CheckpointID string    `json:"checkpoint_id"`
	CreatedAt    time.Time `json:"created_at"`

	engine.Snapshot
	Layout []shardLayout `json:"layout"`
}

// shardLayout gives the float counts of one shard's payload regions, in
// file order: master, then moment1, then moment2.
type shardLayout struct {
	MasterLen  int `json:"master_len"`
	Moment1Len int `json:"moment1_len"`
	Moment2Len int `json:"moment2_len"`
}

// Dir returns the base directory checkpoints are saved under.
func (m *Manager) Dir() string { return m.dir }

// Save writes a checkpoint of the engine's current state and returns its
// directory. All ranks must call it for the checkpoint to be complete;
// pruning of old checkpoints (see Keep) runs on rank 0 only.
func (m *Manager) Save() (string, error) {
	snap, err := m.e.Snapshot()
	if err != nil {
		return "", err
	}
	stepDir := filepath.Join(m.dir, stepDirName(snap.Step))
	if err := os.MkdirAll(stepDir, 0o777); err != nil {
		return "", errors.Wrapf(err, "creating checkpoint directory %q", stepDir)
	}

	meta := metadata{
		CheckpointID: uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		Snapshot:     *snap,
	}
	var payload []byte
	for _, ss := range snap.Shards {
		meta.Layout = append(meta.Layout, shardLayout{
			MasterLen:  len(ss.Master),
			Moment1Len: len(ss.Moment1),
			Moment2Len: len(ss.Moment2),
		})
		payload = appendFloats(payload, ss.Master)
		payload = appendFloats(payload, ss.Moment1)
		payload = appendFloats(payload, ss.Moment2)
	}
	if err := writeFileAtomic(filepath.Join(stepDir, payloadFileName(snap.Rank)), payload); err != nil {
		return "", err
	}
	metaBytes, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding checkpoint metadata")
	}
	// The metadata file is written last: its presence marks the rank's part
	// of the checkpoint as complete.
	if err := writeFileAtomic(filepath.Join(stepDir, metadataFileName(snap.Rank)), metaBytes); err != nil {
		return "", err
	}
	klog.V(1).Infof("rank %d: saved checkpoint %s at step %d", snap.Rank, stepDir, snap.Step)

	if snap.Rank == 0 && m.keep > 0 {
		if err := m.prune(); err != nil {
			return "", err
		}
	}
	return stepDir, nil
}

// Load restores the engine from the most recent checkpoint, or returns
// ErrNoCheckpoint if there is none. All ranks must call it together: the
// restore re-propagates parameter values collectively.
func (m *Manager) Load() error {
	steps, err := m.List()
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return ErrNoCheckpoint
	}
	return m.LoadStep(steps[len(steps)-1])
}

// LoadStep restores the engine from the checkpoint taken at the given step.
func (m *Manager) LoadStep(step int64) error {
	rank := int(m.e.Backend().Rank())
	stepDir := filepath.Join(m.dir, stepDirName(step))

	metaBytes, err := os.ReadFile(filepath.Join(stepDir, metadataFileName(rank)))
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNoCheckpoint, "step %d, rank %d", step, rank)
	}
	if err != nil {
		return errors.Wrapf(err, "reading checkpoint metadata for step %d", step)
	}
	var meta metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return errors.Wrapf(err, "decoding checkpoint metadata %q", metadataFileName(rank))
	}
	if len(meta.Layout) != len(meta.Shards) {
		return errors.Errorf("corrupt checkpoint: %d shards but %d layout entries", len(meta.Shards), len(meta.Layout))
	}
	payload, err := os.ReadFile(filepath.Join(stepDir, payloadFileName(rank)))
	if err != nil {
		return errors.Wrapf(err, "reading checkpoint payload for step %d", step)
	}

	total := 0
	for _, l := range meta.Layout {
		total += l.MasterLen + l.Moment1Len + l.Moment2Len
	}
	if len(payload) != total*4 {
		return errors.Errorf("corrupt checkpoint payload: %d bytes, layout describes %d", len(payload), total*4)
	}
	for ii := range meta.Shards {
		l := meta.Layout[ii]
		meta.Shards[ii].Master, payload = takeFloats(payload, l.MasterLen)
		meta.Shards[ii].Moment1, payload = takeFloats(payload, l.Moment1Len)
		meta.Shards[ii].Moment2, payload = takeFloats(payload, l.Moment2Len)
	}
	if err := m.e.Restore(&meta.Snapshot); err != nil {
		return err
	}
	klog.V(1).Infof("rank %d: restored checkpoint %s (id %s)", rank, stepDir, meta.CheckpointID)
	return nil
}

// List returns the steps of all checkpoints present, in ascending order. A
// checkpoint counts as present once this rank's metadata file exists.
func (m *Manager) List() ([]int64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoint directory %q", m.dir)
	}
	rank := int(m.e.Backend().Rank())
	var steps []int64
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stepDirPrefix) {
			continue
		}
		step, err := strconv.ParseInt(strings.TrimPrefix(entry.Name(), stepDirPrefix), 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, entry.Name(), metadataFileName(rank))); err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps, nil
}

// prune removes checkpoints beyond the keep most recent.
func (m *Manager) prune() error {
	steps, err := m.List()
	if err != nil {
		return err
	}
	for len(steps) > m.keep {
		victim := filepath.Join(m.dir, stepDirName(steps[0]))
		if err := os.RemoveAll(victim); err != nil {
			return errors.Wrapf(err, "pruning old checkpoint %q", victim)
		}
		klog.V(1).Infof("pruned old checkpoint %s", victim)
		steps = steps[1:]
	}
	return nil
}

func stepDirName(step int64) string {
	return fmt.Sprintf("%s%010d", stepDirPrefix, step)
}

func metadataFileName(rank int) string {
	return fmt.Sprintf("metadata-%03d.json", rank)
}

func payloadFileName(rank int) string {
	return fmt.Sprintf("shards-%03d.bin", rank)
}

// writeFileAtomic writes via a temporary file plus rename, so a crashed save
// never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary checkpoint file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %q", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "closing %q", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "renaming into %q", path)
	}
	return nil
}

func appendFloats(buf []byte, data []float32) []byte {
	for _, v := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func takeFloats(buf []byte, n int) ([]float32, []byte) {
	if n == 0 {
		return nil, buf
	}
	out := make([]float32, n)
	for ii := range out {
		out[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[ii*4:]))
	}
	return out, buf[n*4:]
}
