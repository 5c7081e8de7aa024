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
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// LoadOffsets reads a sidecar offset index: one decimal byte position
// into the raw compressed stream per line. The result is sorted
// ascending.
func LoadOffsets(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var offsets []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		o, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset %q in %s: %w", line, path, err)
		}
		offsets = append(offsets, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

// WriteOffsets writes offsets in the sidecar index format, one decimal
// per line.
func WriteOffsets(w io.Writer, offsets []int64) error {
	bw := bufio.NewWriter(w)
	for _, o := range offsets {
		if _, err := fmt.Fprintf(bw, "%d\n", o); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ScanMemberOffsets decodes the whole stream and returns the raw byte
// offset of every gzip member and of the first stream of each run of
// consecutive bzip2 or xz streams, in ascending order. The offsets are
// valid SkipTo targets for the same source.
func ScanMemberOffsets(r io.Reader) ([]int64, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := cr.ReadOrEOF(buf)
		if err != nil {
			return nil, err
		}
		if n < len(buf) {
			return cr.MemberStarts(), nil
		}
	}
}

// IndexFile scans the named WARC file and writes its sidecar offset
// index next to it. It returns the sidecar path and the number of
// members found.
func IndexFile(name string) (string, int, error) {
	stem, ok := sidecarStem(name)
	if !ok {
		return "", 0, fmt.Errorf("cannot derive an index name from %s", name)
	}
	f, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	offsets, err := ScanMemberOffsets(f)
	if err != nil {
		return "", 0, err
	}

	sidecar := stem + ".txt"
	out, err := os.Create(sidecar)
	if err != nil {
		return "", 0, err
	}
	if err := WriteOffsets(out, offsets); err != nil {
		_ = out.Close()
		return "", 0, err
	}
	return sidecar, len(offsets), out.Close()
}

// sidecarStem strips the .warc.<ext> or .warc suffix from a file name.
func sidecarStem(name string) (string, bool) {
	if i := strings.LastIndex(name, ".warc."); i >= 0 {
		return name[:i], true
	}
	if s, ok := strings.CutSuffix(name, ".warc"); ok {
		return s, true
	}
	return "", false
}
