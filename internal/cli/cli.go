// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - argument parsing and command dispatch for kiroku.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/kiroku/internal/config"
	"github.com/jeranaias/kiroku/internal/security"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdVersion
	CmdAudit
	CmdLockout
	CmdEncrypt
	CmdTOTP
	CmdConfig
	CmdServe
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON       bool
	Quiet      bool
	ConfigPath string
	Passphrase bool // prompt for the key-wrapping passphrase

	// Command-specific
	Command    Command
	Subcommand string
	Raw        []string

	// Options holds named options (e.g. --limit, --out)
	Options map[string]string
}

const usageText = `kiroku - security state engine for your journal

Kiroku protects journal data on the client side: field encryption,
login lockout, anti-forgery tokens, and a tamper-evident audit trail.

Usage:
  kiroku audit [subcommand]     Audit trail management
  kiroku lockout [subcommand]   Account lockout management
  kiroku encrypt [subcommand]   Encryption key management
  kiroku totp [subcommand]      Two-factor (TOTP) management
  kiroku config [show|init]     Configuration
  kiroku serve [--port N]       Serve the engine API on localhost
  kiroku version                Show version
  kiroku help                   Show this help

Audit Commands:
  kiroku audit show                 Show recent entries (default)
    --limit N                       Max entries (default 20)
    --user ID                       Filter by user
    --type EVENT                    Filter by event type
    --severity LEVEL                Filter by severity (LOW|MEDIUM|HIGH|CRITICAL)
  kiroku audit stats                Aggregate statistics
    --window H                      Only the last H hours
  kiroku audit export --out FILE    Export the trail as CSV
  kiroku audit clear --yes          Clear the trail (self-logged)
    --before TIMESTAMP              Only entries older than TIMESTAMP (RFC 3339)

Lockout Commands:
  kiroku lockout list               List locked identities (default)
  kiroku lockout status <identity>  Show one identity's state
  kiroku lockout unlock <identity>  Clear a lockout

Encrypt Commands:
  kiroku encrypt status             Key state and rotation due date (default)
  kiroku encrypt init               Create the master key
  kiroku encrypt rotate             Rotate now if the key is due
    --force                         Rotate regardless of age
  kiroku encrypt export --out FILE  Export key material (handle with care)

TOTP Commands:
  kiroku totp setup <user>          Enroll and print backup codes
  kiroku totp verify <user> <code>  Check a 6-digit code
  kiroku totp backup <user>         Show remaining backup codes
  kiroku totp disable <user>        Remove the enrollment

Global Flags:
  --json             Machine-readable output
  --quiet, -q        Suppress non-essential output
  --config PATH      Config file (default ~/.kiroku/config.toml)
  --passphrase       Prompt for the key-wrapping passphrase
  --version, -v      Show version
  --help, -h         Show help
`

// Usage prints the help text.
func Usage() {
	fmt.Print(usageText)
}

// optionTakesValue lists named options that consume the next argument.
var optionTakesValue = map[string]bool{
	"limit": true, "user": true, "type": true, "severity": true,
	"out": true, "from": true, "to": true, "port": true,
	"window": true, "before": true,
}

// Parse turns argv (without the program name) into Args.
func Parse(argv []string) (*Args, error) {
	args := &Args{
		Command: CmdHelp,
		Options: make(map[string]string),
	}

	var positional []string
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "--quiet" || arg == "-q":
			args.Quiet = true
		case arg == "--passphrase":
			args.Passphrase = true
		case arg == "--version" || arg == "-v":
			args.Command = CmdVersion
			return args, nil
		case arg == "--help" || arg == "-h":
			args.Command = CmdHelp
			return args, nil
		case arg == "--config":
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("--config requires a path")
			}
			i++
			args.ConfigPath = argv[i]
		case strings.HasPrefix(arg, "--"):
			name := strings.TrimPrefix(arg, "--")
			if eq := strings.Index(name, "="); eq >= 0 {
				args.Options[name[:eq]] = name[eq+1:]
			} else if optionTakesValue[name] && i+1 < len(argv) {
				i++
				args.Options[name] = argv[i]
			} else {
				args.Options[name] = "true"
			}
		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) == 0 {
		return args, nil
	}

	switch positional[0] {
	case "audit":
		args.Command = CmdAudit
	case "lockout", "lock":
		args.Command = CmdLockout
	case "encrypt", "enc":
		args.Command = CmdEncrypt
	case "totp", "2fa":
		args.Command = CmdTOTP
	case "config":
		args.Command = CmdConfig
	case "serve", "server":
		args.Command = CmdServe
	case "version":
		args.Command = CmdVersion
	case "help":
		args.Command = CmdHelp
	default:
		return nil, fmt.Errorf("unknown command %q (try 'kiroku help')", positional[0])
	}

	if len(positional) > 1 {
		args.Subcommand = positional[1]
		args.Raw = positional[2:]
	}
	return args, nil
}

// Run executes the parsed command. Returns the process exit code.
func Run(args *Args) int {
	switch args.Command {
	case CmdHelp:
		Usage()
		return 0
	case CmdVersion:
		if args.JSON {
			fmt.Printf(`{"version":%q,"commit":%q,"built":%q}`+"\n", Version, GitCommit, BuildDate)
		} else {
			fmt.Printf("kiroku %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		}
		return 0
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if args.Command == CmdConfig {
		return handleConfig(cfg, args)
	}

	opts := []security.ToolkitOption{}
	if args.Passphrase {
		passphrase, err := readPassphrase("Key passphrase: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		opts = append(opts, security.WithToolkitPassphrase(passphrase))
	}

	tk, err := security.NewToolkit(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer tk.Close()

	ctx := context.Background()
	switch args.Command {
	case CmdAudit:
		return handleAudit(ctx, tk, args)
	case CmdLockout:
		return handleLockout(ctx, tk, args)
	case CmdEncrypt:
		return handleEncrypt(ctx, tk, args)
	case CmdTOTP:
		return handleTOTP(ctx, tk, args)
	case CmdServe:
		return handleServe(tk, args)
	default:
		Usage()
		return 1
	}
}
