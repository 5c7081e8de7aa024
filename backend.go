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
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

const (
	codecGzip  = "gzip"
	codecBzip2 = "bzip2"
	codecXZ    = "xz"
)

// backend decodes one compressed member from a source. Read returns
// io.EOF at the end of the member; any other error is a decode fault.
type backend interface {
	io.Reader
	Close() error
}

// newGzipBackend decodes a single gzip member. Multistream is disabled so
// the decoder stops at the member boundary and leaves the residue in the
// source buffer; successive members are relaunched by the factory, which
// is what makes mixed-codec concatenations work.
func newGzipBackend(src *source) (backend, error) {
	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, err
	}
	zr.Multistream(false)
	return &gzipBackend{zr: zr}, nil
}

type gzipBackend struct {
	zr *gzip.Reader
}

func (b *gzipBackend) Read(p []byte) (int, error) {
	return b.zr.Read(p)
}

func (b *gzipBackend) Close() error {
	return b.zr.Close()
}

// newBzip2Backend decodes a run of bzip2 streams. The decoder consumes
// chained same-codec streams natively and reports io.EOF when the input
// ends. It reads through the source's Peek/Discard methods, so it
// consumes exactly the bytes it decodes; when a different codec follows
// the run, its probe for another bzip2 header fails inside the probe
// window and the stream layer rewinds to the true boundary.
func newBzip2Backend(src *source) (backend, error) {
	br, err := bzip2.NewReader(src, nil)
	if err != nil {
		return nil, err
	}
	return &bzip2Backend{br: br}, nil
}

type bzip2Backend struct {
	br *bzip2.Reader
}

func (b *bzip2Backend) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

func (b *bzip2Backend) Close() error {
	return b.br.Close()
}

// newXZBackend decodes a run of xz streams, including stream padding
// between them. When a different codec follows the run, the decoder's
// probe for another 12 byte stream header fails inside the probe window
// and the stream layer rewinds to the true boundary.
func newXZBackend(src *source) (backend, error) {
	xr, err := xz.NewReader(src)
	if err != nil {
		return nil, err
	}
	return &xzBackend{xr: xr}, nil
}

type xzBackend struct {
	xr *xz.Reader
}

func (b *xzBackend) Read(p []byte) (int, error) {
	return b.xr.Read(p)
}

func (b *xzBackend) Close() error {
	return nil
}
