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
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tombee/tracemind/pkg/deadletter"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable work queue",
	}
	cmd.AddCommand(newQueueInspectCommand())
	return cmd
}

type queueInspection struct {
	Pending      int `json:"pending"`
	Inflight     int `json:"inflight"`
	DeadLettered int `json:"dead_lettered"`
}

func newQueueInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Report pending/inflight task counts and dead letter backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			wq, err := a.openQueue()
			if err != nil {
				return err
			}
			defer wq.Close()

			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}
			pending, err := dlq.List(deadletter.StatePending)
			if err != nil {
				return err
			}

			report := queueInspection{
				Pending:      wq.PendingCount(),
				Inflight:     wq.InflightCount(),
				DeadLettered: len(pending),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
