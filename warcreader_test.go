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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// warcRecord frames content as one complete WARC record.
func warcRecord(content string) string {
	return fmt.Sprintf("WARC/1.0\r\nContent-Length: %d\r\n\r\n%s\r\n\r\n", len(content), content)
}

func newTestReader(t *testing.T, input []byte) *WARCReader {
	t.Helper()
	wr, err := NewWARCReader(bytes.NewReader(input))
	require.NoError(t, err)
	return wr
}

func TestWARCReader_singleRecord(t *testing.T) {
	record := warcRecord("hello")
	tests := []struct {
		name  string
		input []byte
	}{
		{"uncompressed", []byte(record)},
		{"gzip", gzipMember(t, record)},
		{"bzip2", bzip2Member(t, record)},
		{"xz", xzMember(t, record)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := newTestReader(t, tt.input)
			var rec Record

			ok, err := wr.Read(&rec, DefaultSizeLimit)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, record, string(rec.Body))
			assert.Equal(t, len(record), len(rec.Body))
			assert.Equal(t, int64(0), rec.Skipped)

			ok, err = wr.Read(&rec, DefaultSizeLimit)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestWARCReader_memberPerRecord(t *testing.T) {
	// One gzip member wrapping record "A", then an xz member wrapping "BB".
	r1 := warcRecord("A")
	r2 := warcRecord("BB")
	input := append(gzipMember(t, r1), xzMember(t, r2)...)

	wr := newTestReader(t, input)
	var rec Record

	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1, string(rec.Body))

	ok, err = wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2, string(rec.Body))

	ok, err = wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWARCReader_mixedCodecMembers(t *testing.T) {
	// A bzip2 or xz member followed by a different codec must hand over
	// cleanly: every record comes back verbatim with nothing skipped.
	r1 := warcRecord("record one")
	r2 := warcRecord("record two")
	r3 := warcRecord("record three")
	tests := []struct {
		name  string
		input []byte
	}{
		{"bzip2 gzip gzip", bytes.Join([][]byte{bzip2Member(t, r1), gzipMember(t, r2), gzipMember(t, r3)}, nil)},
		{"xz gzip gzip", bytes.Join([][]byte{xzMember(t, r1), gzipMember(t, r2), gzipMember(t, r3)}, nil)},
		{"bzip2 xz gzip", bytes.Join([][]byte{bzip2Member(t, r1), xzMember(t, r2), gzipMember(t, r3)}, nil)},
		{"xz bzip2 gzip", bytes.Join([][]byte{xzMember(t, r1), bzip2Member(t, r2), gzipMember(t, r3)}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := newTestReader(t, tt.input)
			var rec Record
			var got []string
			for {
				ok, err := wr.Read(&rec, DefaultSizeLimit)
				require.NoError(t, err)
				if !ok {
					break
				}
				require.Equal(t, int64(0), rec.Skipped)
				require.NotEmpty(t, rec.Body)
				got = append(got, string(rec.Body))
			}
			assert.Equal(t, []string{r1, r2, r3}, got)
		})
	}
}

func TestWARCReader_recordsInOrder(t *testing.T) {
	var want []string
	var input bytes.Buffer
	for i := 0; i < 25; i++ {
		r := warcRecord(strings.Repeat(fmt.Sprintf("content %d ", i), i+1))
		want = append(want, r)
		input.WriteString(r)
	}

	wr := newTestReader(t, input.Bytes())
	var rec Record
	var got []string
	for {
		ok, err := wr.Read(&rec, DefaultSizeLimit)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, int64(0), rec.Skipped)
		got = append(got, string(rec.Body))
	}
	assert.Equal(t, want, got)
}

func TestWARCReader_corruptMiddleMember(t *testing.T) {
	r1 := warcRecord("record one")
	r2 := warcRecord("record two")
	r3 := warcRecord("record three")
	m2 := gzipMember(t, r2)
	corrupt := append([]byte{}, m2...)
	corrupt[len(corrupt)/2] ^= 0xff
	input := bytes.Join([][]byte{gzipMember(t, r1), corrupt, gzipMember(t, r3)}, nil)

	wr := newTestReader(t, input)
	var rec Record

	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1, string(rec.Body))

	// One or more skip events whose sum covers at least part of the bad
	// member, then the third record.
	var skipped int64
	for {
		ok, err = wr.Read(&rec, DefaultSizeLimit)
		require.NoError(t, err)
		require.True(t, ok, "stream ended before the third record")
		if len(rec.Body) == 0 {
			require.NotZero(t, rec.Skipped)
			skipped += rec.Skipped
			continue
		}
		break
	}
	assert.Equal(t, r3, string(rec.Body))
	assert.Greater(t, skipped, int64(0))
}

func TestWARCReader_oversizeRecord(t *testing.T) {
	content := strings.Repeat("x", 10000000)
	record := warcRecord(content)
	small := warcRecord("small")
	input := []byte(record + small)

	wr := newTestReader(t, input)
	var rec Record

	ok, err := wr.Read(&rec, 1000000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.Body)
	assert.Equal(t, int64(len(record)), rec.Skipped)

	// The stream stays in sync after the drain.
	ok, err = wr.Read(&rec, 1000000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, small, string(rec.Body))
}

func TestWARCReader_oversizeRecordStrictTrailer(t *testing.T) {
	content := strings.Repeat("y", 2000)
	record := warcRecord(content)

	wr := newTestReader(t, []byte(record))
	wr.StrictTrailer = true
	var rec Record

	ok, err := wr.Read(&rec, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len(record)), rec.Skipped)
}

func TestWARCReader_framingFaults(t *testing.T) {
	good := warcRecord("fine")
	tests := []struct {
		name string
		bad  string
	}{
		{"missing content length", "WARC/1.0\r\nWARC-Type: resource\r\n\r\n"},
		{"two content lengths", "WARC/1.0\r\nContent-Length: 4\r\nContent-Length: 4\r\n\r\nabcd\r\n\r\n"},
		{"bad content length", "WARC/1.0\r\nContent-Length: four\r\n\r\n"},
		{"wrong version line", "HTTP/1.1 200 OK\r\n\r\n"},
		{"bad trailer", "WARC/1.0\r\nContent-Length: 4\r\n\r\nabcdXXXX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := newTestReader(t, []byte(tt.bad+good))
			var rec Record

			ok, err := wr.Read(&rec, DefaultSizeLimit)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Empty(t, rec.Body)
			assert.NotZero(t, rec.Skipped)

			ok, err = wr.Read(&rec, DefaultSizeLimit)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, good, string(rec.Body))
		})
	}
}

func TestWARCReader_garbageBetweenRecords(t *testing.T) {
	r1 := warcRecord("first")
	r2 := warcRecord("second")
	garbage := "####garbage-with-no-newline####"
	input := []byte(r1 + garbage + r2)

	wr := newTestReader(t, input)
	var rec Record

	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1, string(rec.Body))

	ok, err = wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.Body)
	assert.GreaterOrEqual(t, rec.Skipped, int64(len(garbage)))

	ok, err = wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2, string(rec.Body))

	ok, err = wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWARCReader_truncatedRecord(t *testing.T) {
	full := warcRecord("will be cut short")
	wr := newTestReader(t, []byte(full[:len(full)-10]))
	var rec Record

	// The truncated record surfaces as a skip event, then end of input.
	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	if ok {
		assert.Empty(t, rec.Body)
		assert.NotZero(t, rec.Skipped)
		ok, err = wr.Read(&rec, DefaultSizeLimit)
		require.NoError(t, err)
	}
	assert.False(t, ok)
}

func TestWARCReader_sidecarIndex(t *testing.T) {
	r1 := warcRecord("record one")
	r2 := warcRecord("record two")
	r3 := warcRecord("record three")
	m1 := gzipMember(t, r1)
	m2 := gzipMember(t, r2)
	m3 := gzipMember(t, r3)

	corrupt := append([]byte{}, m2...)
	corrupt[len(corrupt)/2] ^= 0xff

	dir := t.TempDir()
	name := filepath.Join(dir, "crawl.warc.gz")
	require.NoError(t, os.WriteFile(name, bytes.Join([][]byte{m1, corrupt, m3}, nil), 0644))
	var sidecar bytes.Buffer
	require.NoError(t, WriteOffsets(&sidecar, []int64{0, int64(len(m1)), int64(len(m1) + len(m2))}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crawl.txt"), sidecar.Bytes(), 0644))

	wr, err := OpenWARCFile(name)
	require.NoError(t, err)
	defer wr.Close()
	require.Len(t, wr.Offsets(), 3)

	var rec Record
	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1, string(rec.Body))

	var skipped int64
	for {
		ok, err = wr.Read(&rec, DefaultSizeLimit)
		require.NoError(t, err)
		require.True(t, ok, "stream ended before the third record")
		if len(rec.Body) == 0 {
			skipped += rec.Skipped
			continue
		}
		break
	}
	assert.Equal(t, r3, string(rec.Body))
	assert.Greater(t, skipped, int64(0))
}

func TestWARCReader_missingSidecarIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "crawl.warc.gz")
	require.NoError(t, os.WriteFile(name, gzipMember(t, warcRecord("solo")), 0644))

	wr, err := OpenWARCFile(name)
	require.NoError(t, err)
	defer wr.Close()
	assert.Empty(t, wr.Offsets())

	var rec Record
	ok, err := wr.Read(&rec, DefaultSizeLimit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, warcRecord("solo"), string(rec.Body))
}

func TestContentLengthValue(t *testing.T) {
	tests := []struct {
		line  string
		value string
		match bool
	}{
		{"Content-Length: 42", "42", true},
		{"content-length:7", "7", true},
		{"CONTENT-LENGTH: 0", "0", true},
		{"Content-Type: text/plain", "", false},
		{"Content-Length", "", false},
	}
	for _, tt := range tests {
		v, ok := contentLengthValue([]byte(tt.line))
		assert.Equal(t, tt.match, ok, tt.line)
		assert.Equal(t, tt.value, v, tt.line)
	}
}
