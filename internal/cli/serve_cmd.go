// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve_cmd.go - runs the localhost engine API for the journal frontend.
//
// Command: serve [--port N]
// Aliases: server
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jeranaias/kiroku/internal/security"
	"github.com/jeranaias/kiroku/internal/server"
)

func handleServe(tk *security.Toolkit, args *Args) int {
	port := server.DefaultPort
	if raw, ok := args.Options["port"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 65535 {
			fmt.Fprintln(os.Stderr, "Error: --port must be 1-65535")
			return 1
		}
		port = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background loops (key rotation, CSRF sweeping) run for the life
	// of the server.
	if err := tk.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !args.Quiet {
		fmt.Println(successStyle.Render(fmt.Sprintf("Serving on 127.0.0.1:%d (Ctrl-C to stop)", port)))
	}
	if err := server.New(tk, port).Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
