// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Query-farm/pipes/pipes"
)

func callCmd() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "call ADDRESS [MESSAGE]",
		Short: "Send one request and print the response",
		Long: `Send one request to the configured channel and print the response.

Remote failures are printed as "<type>: <message>" and exit non-zero.`,
		Example: `  pipes-conformance call echo_upper hello
  printf 'a\nb' | pipes-conformance call echo_string --stdin`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			address := args[0]

			var message string
			switch {
			case fromStdin:
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				message = string(data)
			case len(args) == 2:
				message = args[1]
			}

			conn, err := pipes.Dial(ctx, cfg.Channel, cfg.Options(logger)...)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Channel, err)
			}
			defer conn.Close()

			resp, err := conn.SendRequest(ctx, address, message)
			var remote *pipes.RemoteError
			if errors.As(err, &remote) {
				fmt.Fprintf(os.Stderr, "%s: %s\n", remote.Type, remote.Message)
				return fmt.Errorf("%s failed", address)
			}
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the message from standard input")
	return cmd
}
