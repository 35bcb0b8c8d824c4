// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type capture struct {
	bytes    int
	lines    []string
	partials []string
}

func (c *capture) writer(maxLine int) *lineWriter {
	return &lineWriter{
		maxLine:   maxLine,
		onBytes:   func(p []byte) { c.bytes += len(p) },
		onLine:    func(l string) { c.lines = append(c.lines, l) },
		onPartial: func(f string) { c.partials = append(c.partials, f) },
	}
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	c := &capture{}
	lw := c.writer(0)

	n, err := lw.Write([]byte("hel"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	lw.Write([]byte("lo\r\nwor"))
	lw.Write([]byte("ld\n\nlast"))
	lw.Flush()

	assert.Equal(t, []string{"hello", "world", "", "last"}, c.lines)
	assert.Equal(t, []string{"hel", "wor", "last"}, c.partials)
	assert.Equal(t, 18, c.bytes)
}

func TestLineWriter_CutsLongLines(t *testing.T) {
	c := &capture{}
	lw := c.writer(4)

	lw.Write([]byte("abcdefghij\n"))
	assert.Equal(t, []string{"abcdefghij"}, c.lines)

	lw.Write([]byte("0123456789"))
	assert.Equal(t, []string{"abcdefghij", "0123", "4567"}, c.lines)
	lw.Flush()
	assert.Equal(t, "89", c.lines[len(c.lines)-1])
}

func TestLineWriter_FlushEmpty(t *testing.T) {
	c := &capture{}
	lw := c.writer(0)
	lw.Flush()
	assert.Empty(t, c.lines)
}
