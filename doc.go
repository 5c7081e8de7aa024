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

/*
Package warcpar parallelizes WARC to WARC processing by piping records
through a pool of child processes and reassembling their output.

The package reads WARC files wrapped in any mix of concatenated gzip,
bzip2, xz and uncompressed members, detected per member by magic bytes.
Corrupt members are recovered by resynchronization: a scan for the next
member magic, or a jump to the next entry of a sidecar offset index when
one is present. Record framing faults are recovered by scanning for the
next record header. Both kinds of recovery surface as skip events rather
than errors, so a damaged archive still yields every readable record.

Records are treated as opaque byte strings framed by the WARC/1.0 header
and Content-Length; record content is never interpreted.
*/
package warcpar
