// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	for _, s := range []string{"cpu", "cuda:0", "cuda:13", "tpu"} {
		d, err := ParseDevice(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, d.String())
	}
	d, err := ParseDevice("cuda:2")
	require.NoError(t, err)
	assert.Equal(t, NewDevice("cuda", 2), d)

	for _, s := range []string{"", ":1", "cuda:", "cuda:-1", "cuda:x", "rank:0/cuda:0", "cuda:01", "cuda:+1", "cuda: 1"} {
		_, err := ParseDevice(s)
		assert.Error(t, err, "%q should fail", s)
	}
	assert.Equal(t, "cpu", Device{}.String())
}

func TestLayoutAndMemoryFormatNames(t *testing.T) {
	layouts := []struct {
		layout Layout
		name   string
	}{
		{Strided, "strided"},
		{SparseCOO, "sparse_coo"},
		{SparseCSR, "sparse_csr"},
	}
	for _, tt := range layouts {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.layout.String())
			parsed, err := LayoutString(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.layout, parsed)
		})
	}
	assert.Equal(t, "Layout(7)", Layout(7).String())
	assert.False(t, Layout(7).IsALayout())

	formats := []struct {
		format MemoryFormat
		name   string
	}{
		{Contiguous, "contiguous"},
		{ChannelsLast, "channels_last"},
		{PreserveFormat, "preserve_format"},
	}
	for _, tt := range formats {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.format.String())
			parsed, err := MemoryFormatString(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.format, parsed)
		})
	}
	assert.Equal(t, []string{"contiguous", "channels_last", "preserve_format"}, MemoryFormatStrings())
	_, err := MemoryFormatString("channels_first")
	assert.Error(t, err)
}
