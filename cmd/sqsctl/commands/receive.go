package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sqs-relay/internal/pkg/queue"
)

// NewReceiveCmd creates the receive command
func NewReceiveCmd(open ClientFunc) *cobra.Command {
	var (
		maxMessages int
		wait        time.Duration
		visibility  time.Duration
		deleteAfter bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive one batch of messages",
		Long:  "Receive one batch and print it. Messages stay on the queue unless --delete is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := closeFn(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to close queue client: %v\n", err)
				}
			}()

			batch, err := client.Receive(cmd.Context(), queue.ReceiveOptions{
				MaxMessages:       maxMessages,
				WaitTime:          wait,
				VisibilityTimeout: visibility,
			})
			if err != nil {
				return fmt.Errorf("failed to receive messages: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(batch) == 0 {
				fmt.Fprintln(out, "No messages")
				return nil
			}
			for _, m := range batch {
				fmt.Fprintf(out, "%s\treceives=%d\tsent=%s\t%s\n",
					m.ID, m.ReceiveCount, m.SentAt.UTC().Format(time.RFC3339), m.Body)
			}

			if !deleteAfter {
				return nil
			}
			results, err := client.DeleteBatch(cmd.Context(), batch.Entries())
			if err != nil {
				return fmt.Errorf("failed to delete messages: %w", err)
			}
			deleted := 0
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(out, "delete %s failed: %v\n", r.Entry.ID, r.Err)
					continue
				}
				deleted++
			}
			fmt.Fprintf(out, "Deleted %d of %d\n", deleted, len(batch))
			return nil
		},
	}

	cmd.Flags().IntVar(&maxMessages, "max", 10, "maximum messages to receive (1-10)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "long poll duration")
	cmd.Flags().DurationVar(&visibility, "visibility", 30*time.Second, "visibility timeout for received messages")
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete received messages")

	return cmd
}
