// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// encrypt_cmd.go - encryption key management commands.
//
// Command: encrypt [subcommand]
// Aliases: enc
//
// Subcommands:
//   status (default)    Key state and rotation due date
//   init                Create the master key
//   rotate [--force]    Rotate when due (or unconditionally)
//   export --out FILE   Export key material (plaintext key, 0600)
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/kiroku/internal/security"
	"github.com/jeranaias/kiroku/internal/util"
)

func handleEncrypt(ctx context.Context, tk *security.Toolkit, args *Args) int {
	// Every subcommand needs the persisted key loaded first. A
	// degraded store is reported but not fatal.
	if err := tk.Keys.Initialize(ctx); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("Warning: %v", err)))
	}

	switch args.Subcommand {
	case "", "status":
		return encryptStatus(tk, args)
	case "init":
		return encryptInit(tk, args)
	case "rotate":
		return encryptRotate(ctx, tk, args)
	case "export":
		return encryptExport(tk, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown encrypt subcommand %q\n", args.Subcommand)
		return 1
	}
}

func encryptStatus(tk *security.Toolkit, args *Args) int {
	initialized := tk.Keys.IsInitialized()
	age := tk.Keys.KeyAge()

	if args.JSON {
		return printJSON(map[string]any{
			"initialized": initialized,
			"algorithm":   security.AlgorithmAESGCM,
			"key_age":     age.String(),
		})
	}

	printTitle("Encryption Status")
	if !initialized {
		printKV("Master key", errorStyle.Render("not initialized"))
		fmt.Println(dimStyle.Render("\nRun 'kiroku encrypt init' to create one."))
		return 0
	}
	printKV("Master key", successStyle.Render("active"))
	printKV("Algorithm", security.AlgorithmAESGCM)
	printKV("Key age", fmt.Sprintf("%d days", int(age.Hours()/24)))
	return 0
}

func encryptInit(tk *security.Toolkit, args *Args) int {
	if tk.Keys.IsInitialized() {
		fmt.Println(dimStyle.Render("Master key already exists. Use 'kiroku encrypt rotate --force' to replace it."))
		return 0
	}
	if err := tk.Keys.Initialize(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !args.Quiet {
		fmt.Println(successStyle.Render("Master key created."))
	}
	return 0
}

func encryptRotate(ctx context.Context, tk *security.Toolkit, args *Args) int {
	if args.Options["force"] == "true" {
		// A forced rotation regenerates regardless of age. The old
		// material is not retired, so only use this before any data
		// has been encrypted, or after a full re-encrypt.
		if !confirm("Force-rotate the master key? Existing encrypted data will become unreadable.") {
			fmt.Println(dimStyle.Render("Aborted."))
			return 1
		}
		if _, err := tk.Keys.GenerateMasterKey(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		tk.Audit.Log(ctx, security.EventKeyRotation, currentUser(), map[string]string{"forced": "true"})
		fmt.Println(successStyle.Render("Master key replaced."))
		return 0
	}

	rotated, err := tk.RotateKeyNow(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if rotated {
		fmt.Println(successStyle.Render("Master key rotated. Old data remains readable."))
	} else {
		fmt.Println(dimStyle.Render("Key is not due for rotation."))
	}
	return 0
}

func encryptExport(tk *security.Toolkit, args *Args) int {
	out := args.Options["out"]
	if out == "" {
		fmt.Fprintln(os.Stderr, "Usage: kiroku encrypt export --out FILE")
		return 1
	}

	material, err := tk.Keys.ExportKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	data, err := json.MarshalIndent(material, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := util.AtomicWriteFile(out, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	tk.Audit.Log(context.Background(), security.EventDataExport, currentUser(),
		map[string]string{"what": "key material", "path": out})

	fmt.Println(warnStyle.Render(fmt.Sprintf("Key material written to %s. Anyone holding this file can read your journal.", out)))
	fmt.Println(dimStyle.Render("Exported at " + time.Now().Format(time.RFC3339)))
	return 0
}
