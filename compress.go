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
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const (
	// magicSize is the number of bytes needed to recognize any supported codec.
	magicSize = 6

	// inputBufferSize is the size of the compressed input buffer per member stream.
	inputBufferSize = 16 * 1024

	// magicKeep is the number of trailing bytes retained between refills while
	// scanning for a member magic, so a magic spanning two reads is still found.
	magicKeep = 8

	// probeWindow bounds how far the bzip2 and xz decoders can read past the
	// end of a member while probing for another same-codec stream: the xz
	// probe is a 12 byte stream header, the bzip2 probe a 2 byte magic. The
	// source keeps this many bytes of history so the true member boundary
	// stays recoverable after a failed probe.
	probeWindow = 16
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte{'B', 'Z', 'h'}
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// CompressedReader transparently decodes a stream of concatenated gzip,
// bzip2, xz and uncompressed members, detecting each member by its magic
// bytes. A decode fault inside a member can be recovered with Skip or,
// when a sidecar offset index is available, SkipTo.
//
// A CompressedReader is owned by a single goroutine.
type CompressedReader struct {
	inner   reader
	rawRead int64
	members []int64
}

// reader is one state of the CompressedReader. The outer reader is passed
// to every call so a state can update the raw byte counter and replace
// itself when its member ends.
type reader interface {
	Read(cr *CompressedReader, p []byte) (int, error)
	Skip(cr *CompressedReader) (int64, error)
	SkipTo(cr *CompressedReader, offsets []int64) (int64, error)
}

// NewReader probes the head of r and returns a reader for the detected
// codec. Plain data is passed through unchanged.
func NewReader(r io.Reader) (*CompressedReader, error) {
	cr := &CompressedReader{}
	inner, err := readFactory(r, nil, false, cr)
	if err != nil {
		return nil, err
	}
	cr.inner = inner
	return cr, nil
}

// Read decodes up to len(p) bytes. It returns io.EOF only after all
// chained members are exhausted. Decode faults are reported as
// *CompressedError; the reader can then be resynchronized with Skip or
// SkipTo.
func (cr *CompressedReader) Read(p []byte) (int, error) {
	return cr.inner.Read(cr, p)
}

// ReadOrEOF reads until p is full or the stream ends. A short count with
// a nil error means end of stream.
func (cr *CompressedReader) ReadOrEOF(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := cr.Read(p[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Skip recovers from a decode fault in the current member by scanning the
// raw input for the next member magic and restarting decoding there. It
// returns the number of raw source bytes from the start of the failing
// member (for bzip2 and xz, the start of its run of same-codec streams) to
// the restart position, consistent with RawBytesRead.
func (cr *CompressedReader) Skip() (int64, error) {
	return cr.inner.Skip(cr)
}

// SkipTo seeks forward to the smallest offset in offsets beyond the
// current raw source position and restarts decoding there. Offsets index
// the raw compressed stream, not the decoded one. It fails when no offset
// lies beyond the current position.
func (cr *CompressedReader) SkipTo(offsets []int64) (int64, error) {
	return cr.inner.SkipTo(cr, offsets)
}

// RawBytesRead returns the number of bytes consumed from the underlying
// source so far, including bytes buffered ahead of the decoder.
func (cr *CompressedReader) RawBytesRead() int64 {
	return cr.rawRead
}

// MemberStarts returns the raw byte offsets at which a member decoder was
// launched so far, in order. A run of consecutive bzip2 or xz streams is
// decoded by one decoder and appears once, at the start of the run.
// Draining the reader first yields the member index of the source,
// suitable as SkipTo targets.
func (cr *CompressedReader) MemberStarts() []int64 {
	return cr.members
}

// DetectCompressedMagic reports whether p starts with the magic bytes of
// a supported compression codec.
func DetectCompressedMagic(p []byte) bool {
	return detectMagic(p) != magicNone
}

type magicResult int

const (
	magicNone magicResult = iota
	magicGzip
	magicBzip2
	magicXZ
)

func detectMagic(p []byte) magicResult {
	switch {
	case bytes.HasPrefix(p, gzipMagic):
		return magicGzip
	case bytes.HasPrefix(p, bzip2Magic):
		return magicBzip2
	case bytes.HasPrefix(p, xzMagic):
		return magicXZ
	default:
		return magicNone
	}
}

// findMemberMagic returns the index of the earliest member magic in p, or -1.
func findMemberMagic(p []byte) int {
	for i := range p {
		if detectMagic(p[i:]) != magicNone {
			return i
		}
	}
	return -1
}

// readFactory probes the first magicSize bytes (topping off from r when
// already is shorter) and returns the reader for the detected codec. In a
// chained member context requireCompressed must be set so that plain data
// after a compressed member is reported instead of silently passed
// through; that case usually means a truncated multi-member file.
func readFactory(r io.Reader, already []byte, requireCompressed bool, cr *CompressedReader) (reader, error) {
	header := already
	for len(header) < magicSize {
		var probe [magicSize]byte
		got, err := r.Read(probe[:magicSize-len(header)])
		cr.rawRead += int64(got)
		header = append(header, probe[:got]...)
		if got == 0 {
			if err != nil && err != io.EOF {
				return nil, err
			}
			break
		}
	}
	if len(header) == 0 {
		return complete{}, nil
	}
	cr.members = append(cr.members, cr.rawRead-int64(len(header)))

	switch detectMagic(header) {
	case magicGzip:
		return newStream(r, header, &cr.rawRead, codecGzip, newGzipBackend), nil
	case magicBzip2:
		return newStream(r, header, &cr.rawRead, codecBzip2, newBzip2Backend), nil
	case magicXZ:
		return newStream(r, header, &cr.rawRead, codecXZ, newXZBackend), nil
	default:
		if requireCompressed {
			return nil, newCompressedError("", "uncompressed data detected after a compressed member; the file is probably truncated")
		}
		return &uncompressedWithHeader{buf: header, r: r}, nil
	}
}

// unskippable provides the Skip and SkipTo stubs for reader states that
// have no compressed member to resynchronize.
type unskippable struct{}

func (unskippable) Skip(*CompressedReader) (int64, error) {
	return 0, newCompressedError("", "skip is not supported in this reader state")
}

func (unskippable) SkipTo(*CompressedReader, []int64) (int64, error) {
	return 0, newCompressedError("", "skip-to is not supported in this reader state")
}

// complete is the terminal state once all members are exhausted.
type complete struct {
	unskippable
}

func (complete) Read(*CompressedReader, []byte) (int, error) {
	return 0, io.EOF
}

// uncompressed passes bytes through from the source.
type uncompressed struct {
	unskippable
	r io.Reader
}

func (u *uncompressed) Read(cr *CompressedReader, p []byte) (int, error) {
	for {
		n, err := u.r.Read(p)
		cr.rawRead += int64(n)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// uncompressedWithHeader serves the probed header bytes before handing
// over to a plain uncompressed reader.
type uncompressedWithHeader struct {
	unskippable
	buf []byte
	r   io.Reader
}

func (u *uncompressedWithHeader) Read(cr *CompressedReader, p []byte) (int, error) {
	n := copy(p, u.buf)
	u.buf = u.buf[n:]
	if len(u.buf) == 0 {
		cr.inner = &uncompressed{r: u.r}
	}
	return n, nil
}

// source feeds a member decoder from a fixed-size buffer over the
// underlying input, tracking raw consumption so member boundaries land on
// exact byte positions. It implements io.ByteReader, and the buffered
// Peek/Discard/Buffered triple, so the decoders consume no more input
// than the member actually spans instead of slurping ahead through their
// own buffering. Refills keep probeWindow bytes of history so a failed
// next-stream probe can be rewound to the true member boundary.
type source struct {
	r   io.Reader
	raw *int64
	buf []byte
	pos int
	end int
}

func newSource(r io.Reader, already []byte, raw *int64) *source {
	s := &source{r: r, raw: raw, buf: make([]byte, inputBufferSize)}
	s.end = copy(s.buf, already)
	return s
}

func (s *source) buffered() []byte {
	return s.buf[s.pos:s.end]
}

// fill refills the drained buffer from the underlying reader, retaining
// the last keep bytes of the previous contents in front of the position.
func (s *source) fill(keep int) (int, error) {
	if keep > s.end {
		keep = s.end
	}
	copy(s.buf, s.buf[s.end-keep:s.end])
	n, err := s.r.Read(s.buf[keep:])
	s.pos, s.end = keep, keep+n
	*s.raw += int64(n)
	return n, err
}

func (s *source) Read(p []byte) (int, error) {
	for s.pos == s.end {
		n, err := s.fill(probeWindow)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
	}
	n := copy(p, s.buf[s.pos:s.end])
	s.pos += n
	return n, nil
}

func (s *source) ReadByte() (byte, error) {
	for s.pos == s.end {
		n, err := s.fill(probeWindow)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

// Buffered reports the bytes available without reading the underlying input.
func (s *source) Buffered() int {
	return s.end - s.pos
}

// Peek returns the next n bytes without advancing. At end of input fewer
// bytes are returned together with io.EOF, matching bufio semantics.
func (s *source) Peek(n int) ([]byte, error) {
	if n > len(s.buf)-probeWindow {
		return nil, bufio.ErrBufferFull
	}
	for s.end-s.pos < n {
		if len(s.buf) == s.end {
			// No room at the tail; slide the window down, keeping some
			// history for boundary rewinds.
			keep := s.pos
			if keep > probeWindow {
				keep = probeWindow
			}
			off := s.pos - keep
			copy(s.buf, s.buf[off:s.end])
			s.pos -= off
			s.end -= off
		}
		m, err := s.r.Read(s.buf[s.end:])
		s.end += m
		*s.raw += int64(m)
		if m == 0 {
			if err == nil {
				err = io.EOF
			}
			return s.buf[s.pos:s.end], err
		}
	}
	return s.buf[s.pos : s.pos+n], nil
}

// Discard advances past the next n bytes, reading as needed. It returns
// the number of bytes discarded, with io.EOF when the input ends early.
func (s *source) Discard(n int) (int, error) {
	var discarded int
	for discarded < n {
		if s.pos == s.end {
			m, err := s.fill(probeWindow)
			if m == 0 {
				if err == nil || err == io.EOF {
					return discarded, io.EOF
				}
				return discarded, err
			}
		}
		k := s.end - s.pos
		if k > n-discarded {
			k = n - discarded
		}
		s.pos += k
		discarded += k
	}
	return discarded, nil
}

// discard reads and throws away n raw bytes. A premature end of input is
// not an error; the buffer is simply left empty.
func (s *source) discard(n int64) error {
	for n > 0 {
		m := int64(len(s.buf))
		if n < m {
			m = n
		}
		got, err := s.r.Read(s.buf[:m])
		*s.raw += int64(got)
		n -= int64(got)
		if got == 0 {
			if err == nil || err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// stream decodes one compressed member (for gzip) or a run of same-codec
// members (bzip2 and xz decode chained streams natively) through a codec
// backend. When the backend reports a clean end with residual input, the
// factory is relaunched over the residue so the next member, whatever its
// codec, picks up at the exact boundary.
type stream struct {
	src   *source
	codec string
	mk    func(*source) (backend, error)
	back  backend
}

func newStream(r io.Reader, already []byte, raw *int64, codec string, mk func(*source) (backend, error)) *stream {
	return &stream{src: newSource(r, already, raw), codec: codec, mk: mk}
}

func (s *stream) Read(cr *CompressedReader, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.back == nil {
		back, err := s.mk(s.src)
		if err != nil {
			return 0, newWrappedCompressedError(s.codec, err)
		}
		s.back = back
	}
	var n int
	var err error
	for n == 0 && err == nil {
		n, err = s.back.Read(p)
	}
	switch {
	case err == io.EOF:
		// Member end. Restart the factory over the unconsumed residue and
		// the still-open input so callers never mistake a member boundary
		// for end of file.
		_ = s.back.Close()
		s.back = nil
		next, ferr := readFactory(s.src.r, s.src.buffered(), true, cr)
		if ferr != nil {
			return n, ferr
		}
		cr.inner = next
		if n > 0 {
			return n, nil
		}
		return cr.inner.Read(cr, p)
	case err != nil:
		if next, ok := s.memberBoundary(cr); ok {
			// The run of same-codec streams ended cleanly and a different
			// codec follows; the decoder only notices after probing into
			// the next member's header.
			_ = s.back.Close()
			s.back = nil
			if n > 0 {
				return n, nil
			}
			return next.Read(cr, p)
		}
		return n, newWrappedCompressedError(s.codec, err)
	}
	return n, nil
}

// memberBoundary tells a clean codec switch apart from real corruption.
// The bzip2 and xz decoders chain same-codec streams natively, so at the
// end of a run they probe for another stream header and fail only after
// consuming a few bytes of whatever follows. Those bytes are still in the
// buffer history: when a member magic sits within the probe window around
// the current position, rewind to it and relaunch the factory there. The
// gzip decoder stops per member and never probes, so a gzip fault is
// always real.
func (s *stream) memberBoundary(cr *CompressedReader) (reader, bool) {
	if s.codec == codecGzip {
		return nil, false
	}
	if s.src.end-s.src.pos < magicSize {
		// Top off so a magic truncated at the buffer tail is still seen.
		_, _ = s.src.Peek(magicSize)
	}
	lo := s.src.pos - probeWindow
	if lo < 0 {
		lo = 0
	}
	i := findMemberMagic(s.src.buf[lo:s.src.end])
	if i < 0 || lo+i > s.src.pos+probeWindow {
		return nil, false
	}
	s.src.pos = lo + i
	next, err := readFactory(s.src.r, s.src.buffered(), true, cr)
	if err != nil {
		return nil, false
	}
	cr.inner = next
	return next, true
}

// Skip scans the raw input for the next member magic, reading ahead as
// needed, and restarts decoding there. The failing member's decoder state
// is abandoned. The count runs from the start of the failing member to
// the restart position.
func (s *stream) Skip(cr *CompressedReader) (int64, error) {
	start := cr.members[len(cr.members)-1]
	for {
		buf := s.src.buffered()
		if len(buf) == 0 {
			n, err := s.src.fill(magicKeep)
			if n == 0 {
				cr.inner = complete{}
				if err != nil && err != io.EOF {
					return cr.rawRead - start, err
				}
				return cr.rawRead - start, nil
			}
			// Rescan the kept tail so a magic spanning the refill is found.
			s.src.pos = 0
			continue
		}
		i := findMemberMagic(buf)
		if i < 0 {
			s.src.pos = s.src.end
			continue
		}
		s.src.pos += i
		skipped := cr.rawRead - int64(len(s.src.buffered())) - start
		next, err := readFactory(s.src.r, s.src.buffered(), true, cr)
		if err != nil {
			return skipped, err
		}
		cr.inner = next
		return skipped, nil
	}
}

// SkipTo seeks to the smallest offset beyond the current raw position and
// restarts decoding there.
func (s *stream) SkipTo(cr *CompressedReader, offsets []int64) (int64, error) {
	pos := cr.rawRead - int64(len(s.src.buffered()))
	var target int64
	for _, o := range offsets {
		if o > pos && (target == 0 || o < target) {
			target = o
		}
	}
	if target == 0 {
		return 0, newCompressedError("", fmt.Sprintf("no jump target beyond %d in offset list", pos))
	}

	if target < cr.rawRead {
		// The target is still inside the input buffer.
		s.src.pos += int(target - pos)
	} else {
		s.src.pos = s.src.end
		if err := s.src.discard(target - cr.rawRead); err != nil {
			return 0, err
		}
	}

	next, err := readFactory(s.src.r, s.src.buffered(), true, cr)
	if err != nil {
		return target - pos, err
	}
	cr.inner = next
	return target - pos, nil
}
