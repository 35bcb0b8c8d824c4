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
	"bytes"
	"strings"
)

// lineWriter splits a byte stream into lines.
//
// exec copies each worker stream from a single goroutine, so Write is never
// called concurrently for one lineWriter. Lines longer than maxLine are cut
// and delivered in pieces. A trailing fragment without a newline is reported
// through onPartial so prompts that wait on the same line are visible.
type lineWriter struct {
	maxLine   int
	onBytes   func(p []byte)
	onLine    func(line string)
	onPartial func(fragment string)
	buf       []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	if lw.onBytes != nil {
		lw.onBytes(p)
	}

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lw.buf = append(lw.buf, data...)
			break
		}
		lw.buf = append(lw.buf, data[:i]...)
		lw.emit()
		data = data[i+1:]
	}

	for lw.maxLine > 0 && len(lw.buf) >= lw.maxLine {
		chunk := lw.buf[:lw.maxLine]
		lw.onLine(strings.TrimRight(string(chunk), "\r"))
		lw.buf = append(lw.buf[:0], lw.buf[lw.maxLine:]...)
	}

	if len(lw.buf) > 0 && lw.onPartial != nil {
		lw.onPartial(string(lw.buf))
	}
	return len(p), nil
}

// Flush delivers any buffered fragment as a final line.
func (lw *lineWriter) Flush() {
	if len(lw.buf) > 0 {
		lw.emit()
	}
}

func (lw *lineWriter) emit() {
	line := strings.TrimRight(string(lw.buf), "\r")
	lw.buf = lw.buf[:0]
	lw.onLine(line)
}
