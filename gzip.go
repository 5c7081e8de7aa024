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

	"github.com/klauspost/compress/gzip"
)

// DefaultGzipLevel is the compression level used for output records when
// none is configured.
const DefaultGzipLevel = gzip.DefaultCompression

// GZCompress encodes src as one self-contained gzip member appended to
// dst. Each output record is encoded as its own member so the resulting
// file stays seekable at record granularity.
func GZCompress(dst *bytes.Buffer, src []byte, level int) error {
	zw, err := gzip.NewWriterLevel(dst, level)
	if err != nil {
		return err
	}
	if _, err := zw.Write(src); err != nil {
		return err
	}
	return zw.Close()
}

// GzipEncoder encodes byte slices as independent gzip members, reusing
// one writer and output buffer across calls.
type GzipEncoder struct {
	zw  *gzip.Writer
	buf bytes.Buffer
}

func NewGzipEncoder(level int) (*GzipEncoder, error) {
	zw, err := gzip.NewWriterLevel(nil, level)
	if err != nil {
		return nil, err
	}
	return &GzipEncoder{zw: zw}, nil
}

// Encode returns src encoded as a single gzip member. The returned slice
// is only valid until the next call.
func (e *GzipEncoder) Encode(src []byte) ([]byte, error) {
	e.buf.Reset()
	e.zw.Reset(&e.buf)
	if _, err := e.zw.Write(src); err != nil {
		return nil, err
	}
	if err := e.zw.Close(); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}
