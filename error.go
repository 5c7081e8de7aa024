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
	"errors"
	"fmt"
)

// CompressedError is used for decode failures inside a compressed member.
// Callers recover from it by resynchronizing the stream (Skip or SkipTo).
type CompressedError struct {
	codec   string
	msg     string
	wrapped error
}

func newCompressedError(codec string, msg string) *CompressedError {
	return &CompressedError{codec: codec, msg: msg}
}

func newWrappedCompressedError(codec string, wrapped error) *CompressedError {
	return &CompressedError{codec: codec, msg: wrapped.Error(), wrapped: wrapped}
}

func (e *CompressedError) Error() string {
	if e.codec != "" {
		return fmt.Sprintf("warcpar: %s: %s", e.codec, e.msg)
	}
	return fmt.Sprintf("warcpar: %s", e.msg)
}

func (e *CompressedError) Unwrap() error {
	return e.wrapped
}

// Codec names the compression backend that failed. Empty for faults which
// are not tied to a particular backend, like a bad member magic.
func (e *CompressedError) Codec() string {
	return e.codec
}

// SyntaxError is used for WARC framing faults: a missing WARC/1.0 line,
// a missing or duplicate Content-Length, a bad record trailer or end of
// file inside a record. Callers recover from it by scanning for the next
// record header.
type SyntaxError struct {
	msg string
}

func newSyntaxError(msg string) *SyntaxError {
	return &SyntaxError{msg: msg}
}

func newSyntaxErrorf(msg string, param ...interface{}) *SyntaxError {
	return &SyntaxError{msg: fmt.Sprintf(msg, param...)}
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("warcpar: %s", e.msg)
}

// IsCompressedError reports whether err is a decode fault which can be
// recovered by resynchronization.
func IsCompressedError(err error) bool {
	var ce *CompressedError
	return errors.As(err, &ce)
}

// IsSyntaxError reports whether err is a WARC framing fault which can be
// recovered by scanning for the next record header.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}
