/*
 * Copyright 2021 National Library of Norway.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *       http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package warcpar

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultSizeLimit caps a single input record. Larger records are
	// drained and reported as skip events instead of being buffered.
	DefaultSizeLimit = 20 * 1024 * 1024

	// headerChunk is the read granularity of the record header line reader.
	headerChunk = 4096

	versionLine = "WARC/1.0"
)

// recordMagic is the byte sequence scanned for when resynchronizing after
// a framing fault.
var recordMagic = []byte(versionLine)

var crlfcrlf = []byte("\r\n\r\n")

// Record is one WARC record as read from the stream. Body holds the
// verbatim record bytes: header lines, blank line, content and the
// trailing CRLF CRLF. Skipped counts source bytes discarded by
// resynchronization immediately before this record. Either Body is
// non-empty or Skipped is non-zero; an empty Body with non-zero Skipped
// denotes a pure skip event.
type Record struct {
	Skipped int64
	Body    []byte
}

// WARCReader extracts records from a possibly compressed WARC stream.
// Framing faults and decode faults are recovered internally by
// resynchronization and surface as skip events.
//
// A WARCReader is owned by a single goroutine.
type WARCReader struct {
	reader   *CompressedReader
	overhang []byte
	offsets  []int64
	closer   io.Closer

	// StrictTrailer makes the oversize-skip path verify the trailing
	// CRLF CRLF the same way the normal path does.
	StrictTrailer bool
}

// NewWARCReader wraps r, transparently decoding any mix of gzip, bzip2,
// xz and uncompressed members.
func NewWARCReader(r io.Reader) (*WARCReader, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	return &WARCReader{reader: cr}, nil
}

// OpenWARCFile opens the named WARC file. For names of the form
// <stem>.warc.<ext> a sidecar offset index <stem>.txt is loaded when
// present; a missing or unreadable index is only a warning.
func OpenWARCFile(name string) (*WARCReader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	w, err := NewWARCReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	w.offsets = loadSidecarOffsets(name)
	return w, nil
}

func loadSidecarOffsets(name string) []int64 {
	stem, ok := sidecarStem(name)
	if !ok {
		return nil
	}
	sidecar := stem + ".txt"
	offsets, err := LoadOffsets(sidecar)
	if err != nil {
		log.Warnf("no usable offset index for %s: %v", name, err)
		return nil
	}
	log.Debugf("loaded %d resynchronization offsets from %s", len(offsets), sidecar)
	return offsets
}

// SetOffsets installs resynchronization jump targets, replacing any
// loaded from a sidecar index. Offsets index the raw compressed stream.
func (w *WARCReader) SetOffsets(offsets []int64) {
	w.offsets = offsets
}

// Offsets returns the resynchronization jump targets in use, if any.
func (w *WARCReader) Offsets() []int64 {
	return w.offsets
}

// Close closes the underlying file when the reader was opened by name.
func (w *WARCReader) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Read parses the next record into rec, reusing rec's buffer. It returns
// false at end of input. Records whose total length exceeds sizeLimit are
// drained and reported as skip events. Framing faults are recovered by
// scanning for the next record header; decode faults by resynchronizing
// the compressed stream. Only unrecoverable errors are returned.
func (w *WARCReader) Read(rec *Record, sizeLimit int64) (bool, error) {
	rec.Body, w.overhang = w.overhang, rec.Body[:0]
	rec.Skipped = 0

	ok, err := w.parseRecord(rec, sizeLimit)
	for {
		if err == nil {
			if ok && len(rec.Body) == 0 && rec.Skipped == 0 {
				// A resync that reports no skipped bytes makes no
				// measurable progress; parse from the new position instead
				// of surfacing an empty event.
				ok, err = w.parseRecord(rec, sizeLimit)
				continue
			}
			return ok, nil
		}
		switch {
		case IsCompressedError(err):
			log.Debugf("decode fault, resynchronizing: %v", err)
			ok, err = w.skipSection(rec)
		case IsSyntaxError(err):
			log.Debugf("framing fault, scanning for next record: %v", err)
			ok, err = w.skipRecord(rec)
		default:
			return false, err
		}
	}
}

func (w *WARCReader) parseRecord(rec *Record, sizeLimit int64) (bool, error) {
	h := headerReader{reader: w.reader, out: &rec.Body}

	line, ok, err := h.line()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if !bytes.Equal(line, recordMagic) {
		return false, newSyntaxErrorf("expected %s header but got %q", versionLine, line)
	}

	var length int64
	seenContentLength := false
	for {
		line, ok, err = h.line()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, newSyntaxError("record ended inside header")
		}
		if len(line) == 0 {
			break
		}
		if v, isCL := contentLengthValue(line); isCL {
			if seenContentLength {
				return false, newSyntaxError("two Content-Length headers")
			}
			seenContentLength = true
			length, err = strconv.ParseInt(v, 10, 64)
			if err != nil || length < 0 {
				return false, newSyntaxErrorf("Content-Length parse error in %q", line)
			}
		}
	}
	if !seenContentLength {
		return false, newSyntaxError("no Content-Length header in record")
	}

	// The trailing CRLF CRLF after the content counts toward the record.
	total := int64(h.consumed) + length + 4

	switch {
	case total < int64(len(rec.Body)):
		// Verify the trailer before moving the surplus to the overhang, so
		// a resync after a trailer fault can scan the surplus too.
		if !bytes.Equal(rec.Body[total-4:total], crlfcrlf) {
			return false, newSyntaxError("end of record missing CRLF CRLF")
		}
		w.overhang = append(w.overhang[:0], rec.Body[total:]...)
		rec.Body = rec.Body[:total]
		return true, nil
	case total > sizeLimit:
		log.Warnf("skipping record of %d bytes over the %d byte limit", total, sizeLimit)
		return w.drainOversize(rec, total)
	default:
		start := len(rec.Body)
		rec.Body = append(rec.Body, make([]byte, total-int64(start))...)
		n, err := w.reader.ReadOrEOF(rec.Body[start:])
		rec.Body = rec.Body[:start+n]
		if err != nil {
			return false, err
		}
		if int64(start+n) < total {
			return false, newSyntaxErrorf("unexpected end of file while reading content of length %d", length)
		}
	}

	if !bytes.Equal(rec.Body[len(rec.Body)-4:], crlfcrlf) {
		return false, newSyntaxError("end of record missing CRLF CRLF")
	}
	return true, nil
}

// drainOversize discards the rest of an over-limit record without
// buffering it and reports the whole record as skipped.
func (w *WARCReader) drainOversize(rec *Record, total int64) (bool, error) {
	remaining := total - int64(len(rec.Body))
	var tail [4]byte
	n := copy(tail[:], rec.Body[max(0, len(rec.Body)-4):])

	buf := rec.Body[:cap(rec.Body)]
	if len(buf) < 32*1024 {
		buf = make([]byte, 32*1024)
	}
	for remaining > 0 {
		m := int64(len(buf))
		if remaining < m {
			m = remaining
		}
		got, err := w.reader.ReadOrEOF(buf[:m])
		if err != nil {
			return false, err
		}
		if got == 0 {
			return false, newSyntaxError("unexpected end of file while draining over-limit record")
		}
		remaining -= int64(got)
		if w.StrictTrailer {
			n = appendTail(tail[:], n, buf[:got])
		}
	}

	rec.Skipped = total
	rec.Body = rec.Body[:0]
	if w.StrictTrailer && (n < 4 || !bytes.Equal(tail[:], crlfcrlf)) {
		return false, newSyntaxError("end of record missing CRLF CRLF")
	}
	return true, nil
}

// appendTail keeps the last len(tail) bytes seen across chunks.
func appendTail(tail []byte, have int, chunk []byte) int {
	if len(chunk) >= len(tail) {
		copy(tail, chunk[len(chunk)-len(tail):])
		return len(tail)
	}
	keep := len(tail) - len(chunk)
	copy(tail, tail[have-min(have, keep):have])
	n := min(have, keep)
	copy(tail[n:], chunk)
	return n + len(chunk)
}

// skipRecord recovers from a framing fault by scanning the decoded stream
// for the next record header. The scan starts one byte past the current
// position so the failing header is not matched again. Bytes before the
// match are counted as skipped; bytes after it become overhang for the
// next parse.
func (w *WARCReader) skipRecord(rec *Record) (bool, error) {
	buf := rec.Body
	from := 0
	if len(buf) > 0 {
		from = 1
	}
	for {
		if i := bytes.Index(buf[from:], recordMagic); i >= 0 {
			i += from
			w.overhang = append(w.overhang[:0], buf[i:]...)
			rec.Skipped += int64(i)
			rec.Body = buf[:0]
			return true, nil
		}

		// Keep a partial magic at the tail so a match spanning two reads
		// is still found.
		keep := len(recordMagic) - 1
		if keep > len(buf) {
			keep = len(buf)
		}
		drop := len(buf) - keep
		rec.Skipped += int64(drop)
		copy(buf, buf[drop:])
		buf = buf[:keep]
		from = 0

		had := len(buf)
		if cap(buf)-had < headerChunk {
			buf = append(buf, make([]byte, headerChunk)...)
		} else {
			buf = buf[:had+headerChunk]
		}
		n, err := w.reader.Read(buf[had:])
		buf = buf[:had+n]
		if n == 0 {
			rec.Skipped += int64(len(buf))
			rec.Body = buf[:0]
			if err != nil && err != io.EOF {
				return false, err
			}
			// End of input. Report the scan as a final skip event unless
			// nothing was discarded at all.
			return rec.Skipped != 0, nil
		}
	}
}

// skipSection recovers from a decode fault by jumping to the next offset
// index target, or by scanning for the next member magic when no index is
// loaded or the jump fails.
func (w *WARCReader) skipSection(rec *Record) (bool, error) {
	var n int64
	var err error
	if len(w.offsets) > 0 {
		n, err = w.reader.SkipTo(w.offsets)
		if err != nil {
			log.Warnf("offset jump failed, falling back to magic scan: %v", err)
			var more int64
			more, err = w.reader.Skip()
			n += more
		}
	} else {
		n, err = w.reader.Skip()
	}
	rec.Skipped += n
	rec.Body = rec.Body[:0]
	if err != nil {
		return false, err
	}
	return true, nil
}

// contentLengthValue matches a Content-Length header line case
// insensitively and returns its value with surrounding blanks removed.
func contentLengthValue(line []byte) (string, bool) {
	const name = "content-length:"
	if len(line) < len(name) {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := line[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != name[i] {
			return "", false
		}
	}
	return strings.TrimSpace(string(line[len(name):])), true
}

// headerReader yields header lines from the record scratch buffer,
// refilling it from the compressed reader in fixed chunks. Lines are
// terminated by LF with an optional CR stripped; all bytes stay in the
// scratch buffer so the framing math can count them.
type headerReader struct {
	reader   *CompressedReader
	out      *[]byte
	consumed int
}

func (h *headerReader) line() ([]byte, bool, error) {
	searchFrom := h.consumed
	for {
		out := *h.out
		if i := bytes.IndexByte(out[searchFrom:], '\n'); i >= 0 {
			nl := searchFrom + i
			line := out[h.consumed:nl]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			h.consumed = nl + 1
			return line, true, nil
		}
		searchFrom = len(out)
		more, err := h.readMore()
		if err != nil {
			return nil, false, err
		}
		if !more {
			return nil, false, nil
		}
	}
}

func (h *headerReader) readMore() (bool, error) {
	out := *h.out
	had := len(out)
	if cap(out)-had < headerChunk {
		out = append(out, make([]byte, headerChunk)...)
	} else {
		out = out[:had+headerChunk]
	}
	n, err := h.reader.Read(out[had:])
	*h.out = out[:had+n]
	if n == 0 {
		if err == io.EOF {
			if had != 0 {
				return false, newSyntaxError("unexpected end of file inside header")
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}
