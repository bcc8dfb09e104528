// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	flagConfigPath string
	flagQueueDir   string
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tracemindd",
		Short:         "Manual operation harness for the TraceMind flow runtime",
		Long:          "tracemindd drives the TraceMind core execution substrate by hand: submit a flow run, start a worker pool against a durable queue directory, and inspect the dead letter store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a tracemindd YAML config file")
	cmd.PersistentFlags().StringVar(&flagQueueDir, "queue-dir", "", "durable queue directory (default ./tracemind-data/queue)")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newDLQCommand())
	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("tracemindd %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
