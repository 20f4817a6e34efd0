package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sqs-relay/internal/app/payload"
	"sqs-relay/internal/pkg/queue"
)

// NewSendCmd creates the send command
func NewSendCmd(open ClientFunc) *cobra.Command {
	var (
		body  string
		fake  bool
		count int
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to the queue",
		Long:  "Send a literal body, or synthesized user payloads with --fake",
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "" && !fake {
				return errors.New("either --body or --fake is required")
			}
			if body != "" && fake {
				return errors.New("--body and --fake are mutually exclusive")
			}

			client, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := closeFn(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to close queue client: %v\n", err)
				}
			}()

			gen := payload.NewGenerator(0)
			for i := 0; i < count; i++ {
				data := []byte(body)
				if fake {
					if data, err = gen.Next(cmd.Context()); err != nil {
						return fmt.Errorf("failed to synthesize payload: %w", err)
					}
				}
				id, err := client.Send(cmd.Context(), data, queue.SendOptions{Delay: delay})
				if err != nil {
					return fmt.Errorf("failed to send message: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, data)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "literal message body")
	cmd.Flags().BoolVar(&fake, "fake", false, "send a synthesized user payload")
	cmd.Flags().IntVar(&count, "count", 1, "number of messages to send")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delivery delay")

	return cmd
}
