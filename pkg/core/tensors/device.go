// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NoIndex is the Device.Index of devices specified without an ordinal (e.g.: "cpu").
const NoIndex = -1

// Device identifies where a tensor's memory lives: a device type (e.g.: "cpu", "cuda") and an
// optional ordinal.
//
// The textual form is "<type>" or "<type>:<index>", and it round-trips through ParseDevice and
// Device.String.
type Device struct {
	Type  string
	Index int
}

// CPU is the default device, used when none is specified.
var CPU = Device{Type: "cpu", Index: NoIndex}

// NewDevice returns a device of the given type and ordinal.
func NewDevice(deviceType string, index int) Device {
	return Device{Type: deviceType, Index: index}
}

// ParseDevice parses a device string like "cpu", "cuda:1".
//
// The index must be written in canonical decimal form ("cuda:01" and "cuda:+1" are rejected), so
// ParseDevice(s).String() == s for every accepted s.
func ParseDevice(s string) (Device, error) {
	if s == "" {
		return Device{}, errors.New("empty device string")
	}
	deviceType, indexStr, hasIndex := strings.Cut(s, ":")
	if deviceType == "" || strings.ContainsAny(deviceType, "/ ") {
		return Device{}, errors.Errorf("invalid device type in device string %q", s)
	}
	if !hasIndex {
		return Device{Type: deviceType, Index: NoIndex}, nil
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 || strconv.Itoa(index) != indexStr {
		return Device{}, errors.Errorf("invalid device index in device string %q", s)
	}
	return Device{Type: deviceType, Index: index}, nil
}

// String implements fmt.Stringer, and returns the device in the same form accepted by ParseDevice.
func (d Device) String() string {
	if d.Type == "" {
		return CPU.String()
	}
	if d.Index == NoIndex {
		return d.Type
	}
	return d.Type + ":" + strconv.Itoa(d.Index)
}

// IsZero returns whether the device was left unspecified.
func (d Device) IsZero() bool {
	return d.Type == ""
}

// orDefault returns the CPU device if d was left unspecified.
func (d Device) orDefault() Device {
	if d.IsZero() {
		return CPU
	}
	return d
}

// Layout of the tensor memory. Only Strided tensors are dense.
type Layout int

//go:generate go tool enumer -type=Layout -transform=snake -output=gen_layout_enumer.go device.go

const (
	Strided Layout = iota
	SparseCOO
	SparseCSR
)

// MemoryFormat describes the ordering of the axes in memory.
type MemoryFormat int

//go:generate go tool enumer -type=MemoryFormat -transform=snake -output=gen_memoryformat_enumer.go device.go

const (
	Contiguous MemoryFormat = iota
	ChannelsLast
	PreserveFormat
)
