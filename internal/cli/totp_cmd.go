// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// totp_cmd.go - two-factor (TOTP) commands.
//
// Command: totp [subcommand]
// Aliases: 2fa
//
// Subcommands:
//   setup <user>          Enroll and print the secret and backup codes
//   verify <user> <code>  Check a 6-digit code
//   backup <user>         Show how many backup codes remain
//   disable <user>        Remove the enrollment
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jeranaias/kiroku/internal/security"
)

func handleTOTP(ctx context.Context, tk *security.Toolkit, args *Args) int {
	switch args.Subcommand {
	case "setup", "enroll":
		return totpSetup(ctx, tk, args)
	case "verify":
		return totpVerify(ctx, tk, args)
	case "backup":
		return totpBackup(ctx, tk, args)
	case "disable":
		return totpDisable(ctx, tk, args)
	default:
		fmt.Fprintln(os.Stderr, "Usage: kiroku totp [setup|verify|backup|disable] <user> [code]")
		return 1
	}
}

func totpSetup(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku totp setup <user>")
		return 1
	}
	user := args.Raw[0]

	if tk.MFA.IsEnrolled(ctx, user) && !confirm("An enrollment already exists. Replace it?") {
		fmt.Println(dimStyle.Render("Aborted."))
		return 1
	}

	enrollment, err := tk.MFA.Enroll(ctx, user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tk.Audit.Log(ctx, security.EventSecurity2FAEnabled, user, nil)

	if args.JSON {
		return printJSON(enrollment)
	}

	printTitle("Two-Factor Enrollment")
	printKV("Account", user)
	printKV("Secret", enrollment.Secret)
	printKV("URL", enrollment.OTPAuthURL)

	fmt.Println()
	printTitle("Backup Codes")
	fmt.Println(warnStyle.Render("Store these somewhere safe. Each works exactly once and they will not be shown again."))
	for _, code := range enrollment.BackupCodes {
		fmt.Printf("  %s\n", code)
	}
	return 0
}

func totpVerify(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku totp verify <user> <code>")
		return 1
	}
	user, code := args.Raw[0], args.Raw[1]

	err := tk.MFA.VerifyCode(ctx, user, code)
	switch {
	case err == nil:
		fmt.Println(successStyle.Render("Code valid."))
		return 0
	case errors.Is(err, security.ErrMFACodeInvalid):
		tk.Audit.Log(ctx, security.EventAuthFailed2FA, user, nil)
		fmt.Println(errorStyle.Render("Code invalid."))
		return 1
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

func totpBackup(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku totp backup <user>")
		return 1
	}
	user := args.Raw[0]

	remaining, err := tk.MFA.BackupCodesRemaining(ctx, user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if args.JSON {
		fmt.Printf(`{"remaining":%d}`+"\n", remaining)
		return 0
	}
	printKV("Backup codes left", strconv.Itoa(remaining))
	if remaining <= 2 {
		fmt.Println(warnStyle.Render("Running low. Re-enroll to issue a fresh set."))
	}
	return 0
}

func totpDisable(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if len(args.Raw) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiroku totp disable <user>")
		return 1
	}
	user := args.Raw[0]

	if !confirm(fmt.Sprintf("Disable two-factor for %s?", user)) {
		fmt.Println(dimStyle.Render("Aborted."))
		return 1
	}
	if err := tk.MFA.Unenroll(ctx, user); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tk.Audit.Log(ctx, security.EventSecurity2FADisable, user, nil)
	fmt.Println(successStyle.Render("Two-factor disabled."))
	return 0
}
