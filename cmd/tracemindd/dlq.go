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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/tracemind/pkg/deadletter"
	"github.com/tombee/tracemind/pkg/taskqueue"
)

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on the dead letter store",
	}
	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQRequeueCommand())
	cmd.AddCommand(newDLQPurgeCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}
			records, err := dlq.List(deadletter.State(state))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	cmd.Flags().StringVar(&state, "state", string(deadletter.StatePending), "filter by record state (pending, requeued, purged)")
	return cmd
}

func newDLQRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Mark a pending dead letter record as requeued and re-enqueue its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}
			rec, ok, err := dlq.Requeue(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("dlq: entry %q not found or not pending", args[0])
			}

			wq, err := a.openQueue()
			if err != nil {
				return err
			}
			defer wq.Close()
			// rec.Payload is the task's original envelope; re-enqueue it
			// with a reset attempt count so the retry budget starts over.
			env, err := taskqueue.EnvelopeFromPayload(rec.Payload)
			if err != nil {
				return fmt.Errorf("dlq: decode stored envelope: %w", err)
			}
			env.Attempt = 0
			if _, err := wq.Put(env.Payload()); err != nil {
				return fmt.Errorf("dlq: requeue onto work queue: %w", err)
			}

			cmd.Printf("requeued %s (flow %s)\n", rec.EntryID, rec.FlowID)
			return nil
		},
	}
}

func newDLQPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <entry-id>",
		Short: "Mark a pending dead letter record as purged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}
			rec, ok, err := dlq.Purge(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("dlq: entry %q not found or not pending", args[0])
			}
			cmd.Printf("purged %s (flow %s)\n", rec.EntryID, rec.FlowID)
			return nil
		},
	}
}
