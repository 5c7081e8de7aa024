/*
 * Copyright 2022 National Library of Norway.
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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNameTemplate(t *testing.T) {
	tests := []struct {
		tpl     string
		n       int
		want    string
		wantErr bool
	}{
		{"out-XXX", 7, "out-007", false},
		{"out-XXX", 1234, "out-1234", false},
		{"XXXX", 2, "0002", false},
		{"crawl-XX.warc.gz", 3, "crawl-03.warc.gz", false},
		{"aXbXXc", 5, "aXb05c", false},
		{"no-template", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.tpl, func(t *testing.T) {
			tpl, err := parseNameTemplate(tt.tpl)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tpl.format(tt.n))
		})
	}
}

func TestSplitFileWriter_rolls(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "out-XXX")

	w, err := NewSplitFileWriter(tpl, 2500000)
	require.NoError(t, err)

	// Three records of 1 MiB: the first two fit under the limit, the
	// third triggers a roll.
	record := strings.Repeat("r", 1<<20)
	for i := 0; i < 3; i++ {
		n, err := w.Write([]byte(record))
		require.NoError(t, err)
		require.Equal(t, len(record), n)
	}
	require.NoError(t, w.Close())

	first, err := os.ReadFile(filepath.Join(dir, "out-000"))
	require.NoError(t, err)
	assert.Equal(t, 2*len(record), len(first))

	second, err := os.ReadFile(filepath.Join(dir, "out-001"))
	require.NoError(t, err)
	assert.Equal(t, len(record), len(second))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), openFileSuffix), "unfinalized file %s left behind", e.Name())
	}
	assert.Len(t, entries, 2)
}

func TestSplitFileWriter_oversizedWriteStaysWhole(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSplitFileWriter(filepath.Join(dir, "big-XX"), 100)
	require.NoError(t, err)

	// A single write larger than the limit goes to one file untouched.
	_, err = w.Write([]byte(strings.Repeat("a", 50)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 300)))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	first, err := os.ReadFile(filepath.Join(dir, "big-00"))
	require.NoError(t, err)
	assert.Equal(t, 50, len(first))

	second, err := os.ReadFile(filepath.Join(dir, "big-01"))
	require.NoError(t, err)
	assert.Equal(t, 300, len(second))
}
