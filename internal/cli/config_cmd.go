// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - configuration commands.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)   Print the effective security policy
//   init             Write the default config file
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jeranaias/kiroku/internal/config"
)

func handleConfig(cfg *config.Config, args *Args) int {
	switch args.Subcommand {
	case "", "show":
		return configShow(cfg, args)
	case "init":
		return configInit(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand %q\n", args.Subcommand)
		return 1
	}
}

func configShow(cfg *config.Config, args *Args) int {
	if args.JSON {
		return printJSON(cfg)
	}

	printTitle("Security Policy")

	fmt.Println(valueStyle.Render("Lockout"))
	printKV("  Max attempts", strconv.Itoa(cfg.Security.Lockout.MaxAttempts))
	printKV("  Duration", cfg.Security.Lockout.LockoutDuration().String())
	printKV("  Window", cfg.Security.Lockout.AttemptWindow().String())
	printKV("  Progressive", strconv.FormatBool(cfg.Security.Lockout.Progressive))

	fmt.Println(valueStyle.Render("Encryption"))
	printKV("  Rotation", fmt.Sprintf("%d days", cfg.Security.Encryption.RotationDays))
	printKV("  Check every", cfg.Security.Encryption.CheckInterval().String())
	printKV("  Fields", strings.Join(cfg.Security.Encryption.SensitiveFields, ", "))

	fmt.Println(valueStyle.Render("CSRF"))
	printKV("  Lifetime", cfg.Security.CSRF.Lifetime().String())
	printKV("  Header", cfg.Security.CSRF.HeaderName)

	fmt.Println(valueStyle.Render("Audit"))
	printKV("  Max entries", strconv.Itoa(cfg.Security.Audit.MaxEntries))
	if cfg.Security.Audit.RemoteSinkURL != "" {
		printKV("  Remote sink", cfg.Security.Audit.RemoteSinkURL)
	}
	return 0
}

func configInit(cfg *config.Config, args *Args) int {
	path := args.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists\n", path)
		return 1
	}
	if err := cfg.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !args.Quiet {
		fmt.Println(successStyle.Render("Wrote " + path))
	}
	return 0
}
