// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	gob.Register(&tensors.Tensor{})
}

// SaveStateDict serializes stateDict to w using encoding/gob.
//
// Values of types other than *tensors.Tensor and Go basic types must have been registered with gob.Register.
func SaveStateDict(w io.Writer, stateDict StateDict) error {
	if err := gob.NewEncoder(w).Encode(stateDict); err != nil {
		return errors.Wrapf(err, "failed to serialize state dict with %d entries", len(stateDict))
	}
	return nil
}

// ReadStateDict deserializes a state dict written by SaveStateDict.
func ReadStateDict(r io.Reader) (StateDict, error) {
	var stateDict StateDict
	if err := gob.NewDecoder(r).Decode(&stateDict); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize state dict")
	}
	return stateDict, nil
}

// SaveStateDictFile saves stateDict to the file in path, overwriting it if it already exists.
// A leading "~" in path is expanded to the home directory.
func SaveStateDictFile(path string, stateDict StateDict) error {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create state dict file %q", path)
	}
	if err = SaveStateDict(f, stateDict); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving to %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close state dict file %q", path)
	}
	klog.V(1).Infof("saved state dict with %d entries to %q", len(stateDict), path)
	return nil
}

// ReadStateDictFile reads a state dict saved with SaveStateDictFile.
func ReadStateDictFile(path string) (StateDict, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("state dict file %q not found", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open state dict file %q", path)
	}
	defer func() { _ = f.Close() }()
	stateDict, err := ReadStateDict(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return stateDict, nil
}
