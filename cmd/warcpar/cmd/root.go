/*
Copyright © 2022 National Library of Norway

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/nlnwa/warcpar"
	"github.com/nlnwa/warcpar/cmd/warcpar/cmd/index"
	"github.com/nlnwa/warcpar/cmd/warcpar/cmd/ls"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type conf struct {
	cfgFile  string
	verbose  bool
	inputs   []string
	output   string
	jobs     int
	compress bool
	bytes    int64
	split    bool
}

// NewCommand returns a new cobra.Command implementing the root command for warcpar
func NewCommand() *cobra.Command {
	c := &conf{}
	cmd := &cobra.Command{
		Use:   "warcpar [flags] [--] command [args...]",
		Short: "Parallelize WARC to WARC processing by wrapping a child process",
		Long: `Parallelize WARC to WARC processing by wrapping a child process.
The command is expected to take WARC on stdin and produce WARC on stdout.
Input records are fanned out to the workers and their outputs are merged
into a single stream, in no particular order.

Examples:
  warcpar cat
  warcpar -j 20 ./process_warc.sh
  warcpar -i a.warc.gz b.warc.gz -- ./process_warc.sh
Use -- to separate file names from the command to wrap.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Everything before a literal -- belongs to the inputs, the
			// rest is the child command line.
			for i, a := range args {
				if a == "--" {
					c.inputs = append(c.inputs, args[:i]...)
					args = args[i+1:]
					break
				}
			}
			if len(args) == 0 {
				return errors.New("no child command to run; use -- to separate file names from the command")
			}
			c.split = cmd.Flags().Changed("bytes") || strings.Contains(c.output, "X")
			return run(c, args)
		},
	}

	cobra.OnInitialize(func() { c.initConfig() })

	// Flags
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.warcpar.yaml)")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().StringSliceVarP(&c.inputs, "inputs", "i", nil, "input files, which will be read in parallel and jumbled together (default: read from stdin)")
	cmd.Flags().StringVarP(&c.output, "output", "o", "", "output filename, or name template when splitting (default: write to stdout)")
	cmd.Flags().IntVarP(&c.jobs, "jobs", "j", runtime.NumCPU(), "number of child process workers to use")
	cmd.Flags().BoolVarP(&c.compress, "gzip", "z", false, "compress each output record in gzip format")
	cmd.Flags().Int64VarP(&c.bytes, "bytes", "b", 1024*1024*1024, "maximum filesize per output chunk; the output name must contain a run of X characters")
	cmd.Flags().SetInterspersed(false)

	// Subcommands
	cmd.AddCommand(index.NewCommand())
	cmd.AddCommand(ls.NewCommand())

	return cmd
}

func run(c *conf, child []string) error {
	if c.verbose || viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	switch {
	case c.output == "":
	case c.split:
		sw, err := warcpar.NewSplitFileWriter(c.output, c.bytes)
		if err != nil {
			return err
		}
		out, closer = sw, sw
	default:
		f, err := os.Create(c.output)
		if err != nil {
			return err
		}
		out, closer = f, f
	}

	pool, err := warcpar.NewPool(c.jobs, out, c.compress, child)
	if err != nil {
		return err
	}

	readers := make([]*warcpar.WARCReader, 0, len(c.inputs))
	if len(c.inputs) == 0 {
		wr, err := warcpar.NewWARCReader(os.Stdin)
		if err != nil {
			return err
		}
		readers = append(readers, wr)
	} else {
		for _, name := range c.inputs {
			wr, err := warcpar.OpenWARCFile(name)
			if err != nil {
				return fmt.Errorf("opening %s: %w", name, err)
			}
			readers = append(readers, wr)
		}
	}

	var wg sync.WaitGroup
	for _, wr := range readers {
		wg.Add(1)
		go func(wr *warcpar.WARCReader) {
			defer wg.Done()
			defer wr.Close()
			if err := warcpar.ReadInput(wr, pool.Queue()); err != nil {
				log.Fatalf("reading input: %v", err)
			}
		}(wr)
	}
	wg.Wait()
	pool.Join()

	if closer != nil {
		return closer.Close()
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
func (c *conf) initConfig() {
	if c.cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(c.cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".warcpar" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".warcpar")
	}

	viper.SetEnvPrefix("warcpar")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %v", viper.ConfigFileUsed())
	}
}
