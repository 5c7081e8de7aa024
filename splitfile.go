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
	"os"
	"strings"

	"github.com/prometheus/tsdb/fileutil"
)

// openFileSuffix marks output files still being written to. The suffix is
// removed when the file is finalized.
const openFileSuffix = ".open"

const splitWriterBufferSize = 8192

// nameTemplate expands a template of the form prefixXXXsuffix, replacing
// the last run of X characters with a zero-padded decimal index.
type nameTemplate struct {
	prefix  string
	suffix  string
	padding int
}

func parseNameTemplate(tpl string) (nameTemplate, error) {
	end := strings.LastIndexByte(tpl, 'X')
	if end < 0 {
		return nameTemplate{}, fmt.Errorf("no run of X characters in name template %q", tpl)
	}
	start := end
	for start > 0 && tpl[start-1] == 'X' {
		start--
	}
	return nameTemplate{
		prefix:  tpl[:start],
		suffix:  tpl[end+1:],
		padding: 1 + end - start,
	}, nil
}

func (t nameTemplate) format(n int) string {
	return fmt.Sprintf("%s%0*d%s", t.prefix, t.padding, n, t.suffix)
}

// SplitFileWriter writes at most limit bytes per output file before
// rolling to the next one. The roll is decided per write: a write that
// would push the current file over the limit opens the next file first,
// so a single write may exceed the limit. Records are written atomically
// and are never split across files.
//
// Files are written with an ".open" suffix and renamed into place when
// complete.
type SplitFileWriter struct {
	tpl     nameTemplate
	limit   int64
	fileN   int
	written int64
	file    *os.File
	w       *bufio.Writer
}

func NewSplitFileWriter(tpl string, limit int64) (*SplitFileWriter, error) {
	t, err := parseNameTemplate(tpl)
	if err != nil {
		return nil, err
	}
	return &SplitFileWriter{tpl: t, limit: limit}, nil
}

func (s *SplitFileWriter) Write(p []byte) (int, error) {
	if s.file == nil || s.written+int64(len(p)) > s.limit {
		if err := s.openNext(); err != nil {
			return 0, err
		}
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *SplitFileWriter) openNext() error {
	if err := s.finalize(); err != nil {
		return err
	}
	name := s.tpl.format(s.fileN)
	s.fileN++
	file, err := os.OpenFile(name+openFileSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	s.file = file
	s.w = bufio.NewWriterSize(file, splitWriterBufferSize)
	s.written = 0
	return nil
}

// Close finalizes the file currently being written to.
func (s *SplitFileWriter) Close() error {
	return s.finalize()
}

func (s *SplitFileWriter) finalize() error {
	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %s: %w", file.Name(), err)
	}
	if err := fileutil.Rename(file.Name(), strings.TrimSuffix(file.Name(), openFileSuffix)); err != nil {
		return fmt.Errorf("failed to rename file: %s: %w", file.Name(), err)
	}
	return nil
}
