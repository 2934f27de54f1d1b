// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rpc implements a minimal in-process remote-reference layer: named workers joining a Network,
// and RRef handles to values owned by one worker that other workers can fetch (ToHere).
//
// Values fetched through an RRef are deep copies (serialized with encoding/gob), as if they had been
// transferred from another process.
package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrTimeout is returned when the context deadline expires while waiting on the network.
	// It is the same error as collective.ErrTimeout.
	ErrTimeout = collective.ErrTimeout

	// ErrUnknownWorker is returned when looking up a worker that never joined the network.
	ErrUnknownWorker = errors.New("unknown rpc worker")

	// ErrShutdown is returned when using an agent, or fetching a value owned by an agent, that was shut down.
	ErrShutdown = errors.New("rpc agent is shut down")

	// ErrNotBound is returned by RRef.ToHere for references not bound to any agent.
	ErrNotBound = errors.New("rpc reference not bound to an agent")
)

// WorkerInfo identifies a worker of the network: its unique name and its id (the rank it was initialized with).
type WorkerInfo struct {
	Name string
	ID   int
}

// String implements fmt.Stringer.
func (w WorkerInfo) String() string {
	return fmt.Sprintf("WorkerInfo(name=%s, id=%d)", w.Name, w.ID)
}

// Network is the set of workers that can reach each other. The zero value is not valid, use NewNetwork.
type Network struct {
	mu        sync.Mutex
	worldSize int
	byName    map[string]*Agent
	byID      map[int]*Agent
	ready     chan struct{}
	values    map[uuid.UUID]*published
}

type published struct {
	owner *Agent
	value any
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		byName: make(map[string]*Agent),
		byID:   make(map[int]*Agent),
		ready:  make(chan struct{}),
		values: make(map[uuid.UUID]*published),
	}
}

// Init joins the network as the worker with the given name and rank, and waits until all worldSize workers
// joined (or ctx is done).
//
// All workers must use the same worldSize, and names and ranks must be unique.
func (n *Network) Init(ctx context.Context, name string, rank, worldSize int) (*Agent, error) {
	if name == "" {
		return nil, errors.New("rpc.Init requires a non-empty worker name")
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rpc.Init(%q): invalid rank %d for world size %d", name, rank, worldSize)
	}
	n.mu.Lock()
	if n.worldSize == 0 {
		n.worldSize = worldSize
	} else if n.worldSize != worldSize {
		n.mu.Unlock()
		return nil, errors.Errorf("rpc.Init(%q): world size %d differs from the network's world size %d",
			name, worldSize, n.worldSize)
	}
	if _, found := n.byName[name]; found {
		n.mu.Unlock()
		return nil, errors.Errorf("rpc.Init: worker name %q already taken", name)
	}
	if other, found := n.byID[rank]; found {
		n.mu.Unlock()
		return nil, errors.Errorf("rpc.Init(%q): rank %d already taken by worker %q", name, rank, other.info.Name)
	}
	agent := &Agent{network: n, info: WorkerInfo{Name: name, ID: rank}, worldSize: worldSize}
	n.byName[name] = agent
	n.byID[rank] = agent
	if len(n.byID) == worldSize {
		close(n.ready)
	}
	n.mu.Unlock()
	klog.V(1).Infof("rpc: %s joined the network", agent.info)

	select {
	case <-n.ready:
		return agent, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "rpc.Init(%q) waiting for %d workers", name, worldSize)
		}
		return nil, errors.Wrapf(ctx.Err(), "rpc.Init(%q)", name)
	}
}

// Agent is the handle of one worker in a Network.
type Agent struct {
	network   *Network
	info      WorkerInfo
	worldSize int

	mu       sync.Mutex
	shutdown bool
	owned    []uuid.UUID
}

// WorkerInfo of the agent itself.
func (a *Agent) WorkerInfo() WorkerInfo { return a.info }

// WorldSize is the number of workers in the network.
func (a *Agent) WorldSize() int { return a.worldSize }

// WorkerInfos returns the information of all workers of the network, sorted by id.
func (a *Agent) WorkerInfos() []WorkerInfo {
	n := a.network
	n.mu.Lock()
	defer n.mu.Unlock()
	infos := make([]WorkerInfo, 0, len(n.byID))
	for _, agent := range n.byID {
		infos = append(infos, agent.info)
	}
	slices.SortFunc(infos, func(a, b WorkerInfo) int { return a.ID - b.ID })
	return infos
}

// WorkerByName returns the information of the worker with the given name, or ErrUnknownWorker.
func (a *Agent) WorkerByName(name string) (WorkerInfo, error) {
	n := a.network
	n.mu.Lock()
	defer n.mu.Unlock()
	agent, found := n.byName[name]
	if !found {
		return WorkerInfo{}, errors.Wrapf(ErrUnknownWorker, "no worker named %q", name)
	}
	return agent.info, nil
}

// Publish makes value available to the other workers, and returns a reference to it owned by this agent.
// value must be gob-encodable.
func (a *Agent) Publish(value any) (*RRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return nil, errors.Wrapf(ErrShutdown, "Publish on %s", a.info)
	}
	id := uuid.New()
	n := a.network
	n.mu.Lock()
	n.values[id] = &published{owner: a, value: value}
	n.mu.Unlock()
	a.owned = append(a.owned, id)
	klog.V(2).Infof("rpc: %s published %T as %s", a.info, value, id)
	return &RRef{ID: id, OwnerInfo: a.info, agent: a}, nil
}

// Adopt binds a reference received from another worker (e.g.: deserialized) to this agent, so it can be fetched.
// It returns the same reference for convenience.
func (a *Agent) Adopt(ref *RRef) *RRef {
	ref.agent = a
	return ref
}

// Shutdown leaves the network: values published by this agent are released, and fetching them fails with
// ErrShutdown. It is safe to call it more than once.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true
	n := a.network
	n.mu.Lock()
	for _, id := range a.owned {
		delete(n.values, id)
	}
	n.mu.Unlock()
	a.owned = nil
	klog.V(1).Infof("rpc: %s shut down", a.info)
}

// RRef is a reference to a value owned by a worker. It can be serialized (only its exported fields are),
// and bound to the local agent with Agent.Adopt on the receiving side.
type RRef struct {
	ID        uuid.UUID
	OwnerInfo WorkerInfo

	agent *Agent
}

// Owner returns the worker owning the referenced value.
func (r *RRef) Owner() WorkerInfo { return r.OwnerInfo }

// IsOwner returns whether the reference is bound to the agent that owns the value.
func (r *RRef) IsOwner() bool {
	return r.agent != nil && r.agent.info == r.OwnerInfo
}

// String implements fmt.Stringer.
func (r *RRef) String() string {
	return fmt.Sprintf("RRef(%s, owner=%s)", r.ID, r.OwnerInfo.Name)
}

// ToHere fetches a copy of the referenced value. If the reference is not bound to an agent, it uses the agent
// carried by ctx (see WithAgent).
//
// It returns ErrTimeout if ctx deadline is exceeded, and ErrShutdown if the owner left the network.
func (r *RRef) ToHere(ctx context.Context) (any, error) {
	agent := r.agent
	if agent == nil {
		agent, _ = AgentFrom(ctx)
	}
	if agent == nil {
		return nil, errors.Wrapf(ErrNotBound, "%s", r)
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "fetching %s", r)
		}
		return nil, errors.Wrapf(err, "fetching %s", r)
	}
	n := agent.network
	n.mu.Lock()
	entry, found := n.values[r.ID]
	n.mu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrShutdown, "value of %s is no longer available", r)
	}
	value, err := deepCopy(entry.value)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching %s", r)
	}
	return value, nil
}

// deepCopy serializes and deserializes value, to emulate the transfer across processes.
func deepCopy(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).EncodeValue(reflect.ValueOf(value)); err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %T", value)
	}
	ptr := reflect.New(reflect.TypeOf(value))
	if err := gob.NewDecoder(&buf).DecodeValue(ptr); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize %T", value)
	}
	return ptr.Elem().Interface(), nil
}

type agentKey struct{}

// WithAgent returns a context carrying the rpc agent of the current worker.
func WithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

// AgentFrom returns the rpc agent carried by ctx, if any. Agents that were shut down are not returned.
func AgentFrom(ctx context.Context) (*Agent, bool) {
	agent, ok := ctx.Value(agentKey{}).(*Agent)
	if !ok || agent == nil {
		return nil, false
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.shutdown {
		return nil, false
	}
	return agent, true
}
