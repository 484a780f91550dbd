// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lockout_cmd.go - account lockout commands.
//
// Command: lockout [subcommand]
// Aliases: lock
//
// Subcommands:
//   list (default)      List locked identities
//   status <identity>   Show one identity's state
//   unlock <identity>   Clear a lockout
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jeranaias/kiroku/internal/security"
)

func handleLockout(ctx context.Context, tk *security.Toolkit, args *Args) int {
	switch args.Subcommand {
	case "", "list", "ls":
		return lockoutList(ctx, tk, args)
	case "status":
		return lockoutStatus(ctx, tk, args)
	case "unlock", "reset":
		return lockoutUnlock(ctx, tk, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown lockout subcommand %q\n", args.Subcommand)
		return 1
	}
}

func lockoutList(ctx context.Context, tk *security.Toolkit, args *Args) int {
	locked := tk.Lockout.LockedIdentities(ctx)

	if args.JSON {
		if locked == nil {
			locked = []string{}
		}
		return printJSON(locked)
	}

	printTitle("Locked Identities")
	if len(locked) == 0 {
		fmt.Println(successStyle.Render("No identities are locked out."))
		return 0
	}
	for _, identity := range locked {
		status, err := tk.Lockout.CheckLockoutStatus(ctx, identity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("  %s %s\n",
			errorStyle.Render(identity),
			dimStyle.Render(fmt.Sprintf("(unlocks in %s, level %d)",
				status.Remaining.Round(time.Second), status.LockoutLevel)))
	}
	return 0
}

func lockoutStatus(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku lockout status <identity>")
		return 1
	}
	identity := args.Raw[0]

	status, err := tk.Lockout.CheckLockoutStatus(ctx, identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if args.JSON {
		return printJSON(status)
	}

	printTitle("Lockout Status")
	printKV("Identity", security.NormalizeIdentity(identity))
	if status.Locked {
		printKV("State", errorStyle.Render("LOCKED"))
		printKV("Unlocks in", status.Remaining.Round(time.Second).String())
		printKV("Unlocks at", status.LockedUntil.Format(time.RFC3339))
		printKV("Lockout level", strconv.Itoa(status.LockoutLevel))
	} else {
		printKV("State", successStyle.Render("not locked"))
		printKV("Recent failures", strconv.Itoa(status.FailedAttempts))
		printKV("Attempts left", strconv.Itoa(status.AttemptsLeft))
		if status.LockoutLevel > 0 {
			printKV("Lockout level", warnStyle.Render(strconv.Itoa(status.LockoutLevel)))
		}
	}
	return 0
}

func lockoutUnlock(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku lockout unlock <identity>")
		return 1
	}
	identity := args.Raw[0]

	if err := tk.Lockout.Unlock(ctx, identity); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tk.Audit.Log(ctx, security.EventSecurityUnlock, security.NormalizeIdentity(identity),
		map[string]string{"by": currentUser()})

	if !args.Quiet {
		fmt.Println(successStyle.Render(fmt.Sprintf("Unlocked %s", security.NormalizeIdentity(identity))))
	}
	return 0
}
