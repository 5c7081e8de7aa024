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
package ls

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/nlnwa/warcpar"
	"github.com/spf13/cobra"
)

type conf struct {
	sizeLimit int64
}

func NewCommand() *cobra.Command {
	c := &conf{}
	var cmd = &cobra.Command{
		Use:   "ls FILE...",
		Short: "List the records of WARC files",
		Long: `List the records of WARC files: one line per record with its offset
(the running total of earlier record lengths and skipped byte counts)
and its length. Skip events caused by damaged input are highlighted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("missing file name")
			}
			for _, name := range args {
				if err := listFile(c, name); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&c.sizeLimit, "size-limit", "s", warcpar.DefaultSizeLimit, "records over this size are reported as skipped")

	return cmd
}

var skipped = color.New(color.FgRed)

func listFile(c *conf, name string) error {
	wr, err := warcpar.OpenWARCFile(name)
	if err != nil {
		return err
	}
	defer wr.Close()

	var rec warcpar.Record
	var offset int64
	count := 0
	for {
		ok, err := wr.Read(&rec, c.sizeLimit)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(rec.Body) == 0 {
			skipped.Printf("%s\t%d\tskipped %d bytes\n", name, offset, rec.Skipped)
		} else {
			count++
			fmt.Printf("%s\t%d\t%d\n", name, offset, int64(len(rec.Body)))
		}
		offset += int64(len(rec.Body)) + rec.Skipped
	}
	fmt.Printf("%s: %d records\n", name, count)
	return nil
}
