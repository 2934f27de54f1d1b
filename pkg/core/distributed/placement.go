// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
)

// rankPrefix of placements identified by rank.
const rankPrefix = "rank:"

// Placement identifies the owner of a shard: either a process rank or an rpc worker name, and the device where the
// shard is stored.
//
// Its textual form is "rank:<rank>/<device>" (e.g.: "rank:0/cuda:0") or "<worker_name>/<device>"
// (e.g.: "trainer3/cpu"). See ParsePlacement.
//
// Placement is a comparable value type: it can be compared with == and used as a map key.
type Placement struct {
	// workerName is set for worker-based placements, in which case rank is not used.
	workerName string
	rank       int
	device     tensors.Device
}

// NewRankPlacement returns a placement for the process with the given rank. The rank is not validated here,
// only when the placement is resolved against a process group.
func NewRankPlacement(rank int, device tensors.Device) Placement {
	return Placement{rank: rank, device: device}
}

// NewWorkerPlacement returns a placement for the rpc worker with the given name.
func NewWorkerPlacement(workerName string, device tensors.Device) Placement {
	if workerName == "" {
		exceptions.Panicf("NewWorkerPlacement requires a non-empty worker name")
	}
	return Placement{workerName: workerName, device: device}
}

// ParsePlacement parses a placement from its textual form: "rank:<int>/<device>" or "<worker_name>/<device>".
// It returns ErrInvalidFormat if s doesn't match the grammar.
//
// Negative ranks are parsed: they are rejected when the placement is resolved against a process group.
// Ranks and device indices must be written in canonical decimal form ("rank:01/cpu" and "rank:+1/cpu" are
// rejected), so ParsePlacement(s).String() == s for every accepted s.
func ParsePlacement(s string) (Placement, error) {
	owner, deviceStr, found := strings.Cut(s, "/")
	if !found {
		return Placement{}, errors.Wrapf(ErrInvalidFormat, "placement %q: missing \"/<device>\"", s)
	}
	device, err := tensors.ParseDevice(deviceStr)
	if err != nil {
		return Placement{}, errors.Wrapf(ErrInvalidFormat, "placement %q: %v", s, err)
	}
	if rankStr, isRank := strings.CutPrefix(owner, rankPrefix); isRank {
		rank, err := strconv.Atoi(rankStr)
		if err != nil || strconv.Itoa(rank) != rankStr {
			return Placement{}, errors.Wrapf(ErrInvalidFormat, "placement %q: invalid rank %q", s, rankStr)
		}
		return NewRankPlacement(rank, device), nil
	}
	if owner == "" || strings.ContainsAny(owner, ": ") {
		return Placement{}, errors.Wrapf(ErrInvalidFormat, "placement %q: invalid worker name %q", s, owner)
	}
	return NewWorkerPlacement(owner, device), nil
}

// MustParsePlacement is like ParsePlacement, but panics on error.
func MustParsePlacement(s string) Placement {
	p, err := ParsePlacement(s)
	if err != nil {
		exceptions.Panicf("MustParsePlacement: %+v", err)
	}
	return p
}

// MustParsePlacements parses each of the strings with MustParsePlacement.
func MustParsePlacements(placements ...string) []Placement {
	result := make([]Placement, len(placements))
	for ii, s := range placements {
		result[ii] = MustParsePlacement(s)
	}
	return result
}

// Rank returns the rank of a rank-based placement. ok is false for worker-based placements.
func (p Placement) Rank() (rank int, ok bool) {
	if p.workerName != "" {
		return 0, false
	}
	return p.rank, true
}

// WorkerName returns the worker name of a worker-based placement. ok is false for rank-based placements.
func (p Placement) WorkerName() (name string, ok bool) {
	return p.workerName, p.workerName != ""
}

// Device where the shard is stored.
func (p Placement) Device() tensors.Device {
	if p.device.IsZero() {
		return tensors.CPU
	}
	return p.device
}

// String returns the textual form of the placement, which can be parsed back with ParsePlacement.
func (p Placement) String() string {
	if p.workerName != "" {
		return p.workerName + "/" + p.Device().String()
	}
	return rankPrefix + strconv.Itoa(p.rank) + "/" + p.Device().String()
}

// Equal returns whether both placements refer to the same owner and device.
func (p Placement) Equal(other Placement) bool {
	return p.workerName == other.workerName && p.rank == other.rank && p.Device() == other.Device()
}

// MarshalText implements encoding.TextMarshaler.
func (p Placement) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Placement) UnmarshalText(text []byte) error {
	parsed, err := ParsePlacement(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// GobEncode implements gob.GobEncoder, using the textual form of the placement.
func (p Placement) GobEncode() ([]byte, error) {
	return []byte(p.String()), nil
}

// GobDecode implements gob.GobDecoder.
func (p *Placement) GobDecode(data []byte) error {
	parsed, err := ParsePlacement(string(data))
	if err != nil {
		return errors.WithMessage(err, "failed to gob-decode Placement")
	}
	*p = parsed
	return nil
}
