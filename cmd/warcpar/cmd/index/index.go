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
package index

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/nlnwa/warcpar"
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

type conf struct {
	watch bool
}

func NewCommand() *cobra.Command {
	c := &conf{}
	var cmd = &cobra.Command{
		Use:   "index FILE...",
		Short: "Write sidecar offset indexes for WARC files",
		Long: `Write a sidecar offset index next to each WARC file, listing the raw
byte offset of every gzip member and of the first stream of each run of
bzip2 or xz streams, one decimal per line. The
indexes are used as resynchronization jump targets when a damaged file
is read.

With --watch the arguments are directories: existing WARC files are
indexed and the directories are then watched so new files are indexed as
they appear.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("missing file name")
			}
			if c.watch {
				return watchDirs(args)
			}
			return indexFiles(args)
		},
	}

	cmd.Flags().BoolVarP(&c.watch, "watch", "w", false, "treat arguments as directories and keep indexing new files")

	return cmd
}

func indexFiles(names []string) error {
	for _, name := range names {
		sidecar, members, err := warcpar.IndexFile(name)
		if err != nil {
			return err
		}
		log.Infof("wrote %s with %d member offsets", sidecar, members)
	}
	return nil
}

func isWarcFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".txt") {
		return false
	}
	return strings.Contains(base, ".warc")
}

func indexIfWarc(name string) {
	if !isWarcFile(name) {
		return
	}
	sidecar, members, err := warcpar.IndexFile(name)
	if err != nil {
		log.Errorf("indexing %s: %v", name, err)
		return
	}
	log.Infof("wrote %s with %d member offsets", sidecar, members)
}

func watchDirs(dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				indexIfWarc(filepath.Join(dir, entry.Name()))
			}
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				indexIfWarc(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("watcher: %v", err)
		}
	}
}
