// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// World is a set of ranks living in the current process, each one driven by its own goroutine.
//
// It implements ProcessGroup for each rank (see World.Group), and it is used to run and test multi-rank programs
// without a real transport: tensors are copied when they "travel" between ranks, so no two ranks ever share
// memory through a collective.
type World struct {
	size int

	mu      sync.Mutex
	groups  map[string]*groupState
	members []*member

	// subgroupCounts counts, per world rank, how many groups with a given set of ranks were created, so
	// repeated NewGroup calls create distinct groups.
	subgroupCounts []map[string]int
}

// NewWorld creates a World with the given number of ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic(errors.Errorf("collective.NewWorld requires a positive size, got %d", size))
	}
	w := &World{
		size:           size,
		groups:         make(map[string]*groupState),
		members:        make([]*member, size),
		subgroupCounts: make([]map[string]int, size),
	}
	state := w.groupStateFor("world", nil)
	for rank := range size {
		w.members[rank] = &member{world: w, state: state, rank: rank}
		w.subgroupCounts[rank] = make(map[string]int)
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// Group returns the ProcessGroup of the whole world for the given rank.
//
// There is only one group handle per rank, and it must be used only by the goroutine driving that rank.
func (w *World) Group(rank int) ProcessGroup {
	if rank < 0 || rank >= w.size {
		panic(errors.Errorf("World.Group(%d): rank out of range for world of size %d", rank, w.size))
	}
	return w.members[rank]
}

// Run executes fn once per rank, each in its own goroutine, and waits for all of them.
//
// The context passed to fn carries the rank's group as the default process group (see Default), and it is
// cancelled as soon as any rank returns an error -- so ranks blocked on collectives don't hang forever.
// It returns the first error returned by any rank.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, pg ProcessGroup) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for rank := range w.size {
		pg := w.Group(rank)
		eg.Go(func() error {
			if err := fn(WithDefault(egCtx, pg), pg); err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	return eg.Wait()
}

// groupStateFor returns the shared state of the group with the given key, creating it if needed.
func (w *World) groupStateFor(key string, worldRanks []int) *groupState {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, found := w.groups[key]
	if !found {
		if worldRanks == nil {
			worldRanks = make([]int, w.size)
			for ii := range worldRanks {
				worldRanks[ii] = ii
			}
		}
		state = &groupState{
			key:        key,
			worldRanks: worldRanks,
			rounds:     make(map[uint64]*round),
		}
		w.groups[key] = state
	}
	return state
}

// groupState is shared by all members of a group.
type groupState struct {
	key        string
	worldRanks []int

	mu     sync.Mutex
	rounds map[uint64]*round
}

// round is one collective operation, matched across the ranks of a group by its sequence number.
type round struct {
	kind     string
	payloads []any
	arrived  int
	released int
	done     chan struct{}
	err      error
}

// member is the view of a group from one of its ranks. It implements ProcessGroup.
type member struct {
	world *World
	state *groupState
	rank  int
	seq   atomic.Uint64
}

var _ ProcessGroup = (*member)(nil)

// Rank implements ProcessGroup.
func (m *member) Rank() int { return m.rank }

// Size implements ProcessGroup.
func (m *member) Size() int { return len(m.state.worldRanks) }

// String implements fmt.Stringer.
func (m *member) String() string {
	return fmt.Sprintf("ProcessGroup(%s, rank=%d)", m.state.key, m.rank)
}

// submit contributes this rank's payload to its next round. If failure is not nil, the whole round
// fails with it on every rank -- the round is still joined, so the other ranks don't hang.
func (m *member) submit(kind string, payload any, failure error) (*round, uint64) {
	seq := m.seq.Add(1) - 1
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rounds[seq]
	if !found {
		r = &round{kind: kind, payloads: make([]any, len(s.worldRanks)), done: make(chan struct{})}
		s.rounds[seq] = r
	}
	if r.kind != kind && r.err == nil {
		r.err = errors.Wrapf(ErrMismatchedCollective, "group %s, collective #%d: rank %d issued %s, but other ranks issued %s",
			s.key, seq, m.rank, kind, r.kind)
	}
	if failure != nil && r.err == nil {
		r.err = errors.WithMessagef(failure, "%s on rank %d", kind, m.rank)
	}
	r.payloads[m.rank] = payload
	r.arrived++
	if r.arrived == len(s.worldRanks) {
		klog.V(2).Infof("collective: group %s completed %s #%d", s.key, kind, seq)
		close(r.done)
	}
	return r, seq
}

// release marks the round as consumed (or abandoned, after a timeout) by one more rank, and drops it once
// every rank that arrived has released it.
func (m *member) release(seq uint64) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rounds[seq]
	if !found {
		return
	}
	r.released++
	if r.released >= r.arrived {
		delete(s.rounds, seq)
	}
}

// work implements Work for a round.
type work struct {
	ctx      context.Context
	member   *member
	round    *round
	seq      uint64
	finalize func(payloads []any) error

	once        sync.Once
	releaseOnce sync.Once
	err         error
}

func (m *member) issue(ctx context.Context, kind string, payload any, failure error, finalize func([]any) error) Work {
	r, seq := m.submit(kind, payload, failure)
	return &work{ctx: ctx, member: m, round: r, seq: seq, finalize: finalize}
}

// Wait implements Work.
func (w *work) Wait(timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-w.round.done:
	case <-timer:
		klog.Warningf("collective: %s #%d on rank %d timed out after %s", w.round.kind, w.seq, w.member.rank, timeout)
		w.release()
		return errors.Wrapf(ErrTimeout, "%s on rank %d after %s", w.round.kind, w.member.rank, timeout)
	case <-w.ctx.Done():
		w.release()
		if errors.Is(w.ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrTimeout, "%s on rank %d: context deadline exceeded", w.round.kind, w.member.rank)
		}
		return errors.Wrapf(w.ctx.Err(), "%s on rank %d", w.round.kind, w.member.rank)
	}
	w.once.Do(func() {
		defer w.release()
		if w.round.err != nil {
			w.err = w.round.err
			return
		}
		if w.finalize != nil {
			w.err = w.finalize(w.round.payloads)
		}
	})
	return w.err
}

// release releases the round of w at most once, whether it completed or was abandoned.
func (w *work) release() {
	w.releaseOnce.Do(func() { w.member.release(w.seq) })
}

func (m *member) checkRank(name string, rank int) error {
	if rank < 0 || rank >= m.Size() {
		return errors.Errorf("%s rank %d out of range for group of size %d", name, rank, m.Size())
	}
	return nil
}

// Broadcast implements ProcessGroup.
func (m *member) Broadcast(ctx context.Context, tensor *tensors.Tensor, src int) Work {
	failure := m.checkRank("Broadcast source", src)
	var payload any
	if failure == nil && m.rank == src {
		payload = tensor.Clone()
	}
	return m.issue(ctx, "Broadcast", payload, failure, func(payloads []any) error {
		if m.rank == src {
			return nil
		}
		srcTensor := payloads[src].(*tensors.Tensor)
		if srcTensor.DType() != tensor.DType() || !slices.Equal(srcTensor.Shape(), tensor.Shape()) {
			return errors.Errorf("Broadcast: rank %d tensor is %s%v, but source rank %d sent %s%v",
				m.rank, tensor.DType(), tensor.Shape(), src, srcTensor.DType(), srcTensor.Shape())
		}
		return tensor.CopyRegionFrom(srcTensor, make([]int, tensor.Rank()))
	})
}

// AllGather implements ProcessGroup.
func (m *member) AllGather(ctx context.Context, outputs []*tensors.Tensor, input *tensors.Tensor) Work {
	var failure error
	if len(outputs) != m.Size() {
		failure = errors.Errorf("AllGather requires %d outputs, got %d", m.Size(), len(outputs))
	}
	return m.issue(ctx, "AllGather", input.Clone(), failure, func(payloads []any) error {
		for rank, payload := range payloads {
			outputs[rank] = payload.(*tensors.Tensor).Clone()
		}
		return nil
	})
}

// Gather implements ProcessGroup.
func (m *member) Gather(ctx context.Context, outputs []*tensors.Tensor, input *tensors.Tensor, dst int) Work {
	failure := m.checkRank("Gather destination", dst)
	if failure == nil && m.rank == dst && len(outputs) != m.Size() {
		failure = errors.Errorf("Gather requires %d outputs on destination rank %d, got %d", m.Size(), dst, len(outputs))
	}
	return m.issue(ctx, "Gather", input.Clone(), failure, func(payloads []any) error {
		if m.rank != dst {
			return nil
		}
		for rank, payload := range payloads {
			outputs[rank] = payload.(*tensors.Tensor).Clone()
		}
		return nil
	})
}

// Reduce implements ProcessGroup.
func (m *member) Reduce(ctx context.Context, tensor *tensors.Tensor, dst int, op ReduceOp) Work {
	failure := m.checkRank("Reduce destination", dst)
	if failure == nil && op != ReduceSum {
		failure = errors.Errorf("Reduce: unsupported reduce operation %s", op)
	}
	return m.issue(ctx, "Reduce", tensor.Clone(), failure, func(payloads []any) error {
		if m.rank != dst {
			return nil
		}
		total := payloads[0].(*tensors.Tensor)
		for _, payload := range payloads[1:] {
			var err error
			total, err = tensors.Add(total, payload.(*tensors.Tensor))
			if err != nil {
				return errors.WithMessage(err, "Reduce")
			}
		}
		return tensor.CopyRegionFrom(total, make([]int, tensor.Rank()))
	})
}

// AllGatherBytes implements ProcessGroup.
func (m *member) AllGatherBytes(ctx context.Context, outputs [][]byte, input []byte) Work {
	var failure error
	if len(outputs) != m.Size() {
		failure = errors.Errorf("AllGatherBytes requires %d outputs, got %d", m.Size(), len(outputs))
	}
	return m.issue(ctx, "AllGatherBytes", bytes.Clone(input), failure, func(payloads []any) error {
		for rank, payload := range payloads {
			outputs[rank] = bytes.Clone(payload.([]byte))
		}
		return nil
	})
}

// Barrier implements ProcessGroup.
func (m *member) Barrier(ctx context.Context) Work {
	return m.issue(ctx, "Barrier", nil, nil, nil)
}

// NewGroup implements ProcessGroup.
func (m *member) NewGroup(ranks []int) (ProcessGroup, error) {
	seen := sets.Make[int](len(ranks))
	groupRank := -1
	worldRanks := make([]int, len(ranks))
	for ii, rank := range ranks {
		if err := m.checkRank("NewGroup", rank); err != nil {
			return nil, err
		}
		if seen.Has(rank) {
			return nil, errors.Errorf("NewGroup: rank %d is duplicated in %v", rank, ranks)
		}
		seen.Insert(rank)
		worldRanks[ii] = m.state.worldRanks[rank]
		if rank == m.rank {
			groupRank = ii
		}
	}
	if groupRank < 0 {
		return nil, errors.Wrapf(ErrNotMember, "NewGroup(%v) called by rank %d", ranks, m.rank)
	}
	baseKey := fmt.Sprintf("group%v", worldRanks)
	myWorldRank := m.state.worldRanks[m.rank]
	m.world.mu.Lock()
	count := m.world.subgroupCounts[myWorldRank][baseKey]
	m.world.subgroupCounts[myWorldRank][baseKey] = count + 1
	m.world.mu.Unlock()
	state := m.world.groupStateFor(fmt.Sprintf("%s#%d", baseKey, count), worldRanks)
	return &member{world: m.world, state: state, rank: groupRank}, nil
}
