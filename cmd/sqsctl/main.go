package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sqs-relay/cmd/sqsctl/commands"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "sqsctl",
		Short: "Operator tool for the sqs-relay queue",
		Long:  "Send and inspect messages on the queue configured through the QUEUE_* environment variables",
	}

	rootCmd.AddCommand(commands.NewSendCmd(commands.DefaultClient))
	rootCmd.AddCommand(commands.NewReceiveCmd(commands.DefaultClient))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
