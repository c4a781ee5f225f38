// cmd/rhizo is a thin inspect/replay shell over a Rhizo data directory.
//
// Usage:
//
//	rhizo -root <dir> branch list
//	rhizo -root <dir> branch show <name>
//	rhizo -root <dir> branch create <name> [--from <branch>]
//	rhizo -root <dir> log [--table <name>] [--branch <name>] [--since-tx <id>] [--limit <n>]
//	rhizo -root <dir> verify
//
// It is explicitly outside the core engine: every subcommand calls only the
// public API of internal/catalog, internal/branch, and internal/txn, the way
// a second process inspecting a Rhizo directory would.
package main

import (
	"flag"
	"fmt"
	"os"

	"rhizo/internal/branch"
	"rhizo/internal/catalog"
	"rhizo/internal/config"
	"rhizo/internal/logging"
	"rhizo/internal/txn"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rhizo:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("rhizo", flag.ExitOnError)
	root := fs.String("root", ".", "Rhizo data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: rhizo -root <dir> <branch|log|verify> ...")
	}

	cat, err := catalog.Open(*root)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	branches, err := branch.Open(*root, cat)
	if err != nil {
		return fmt.Errorf("open branch manager: %w", err)
	}
	log := logging.Nop()

	switch rest[0] {
	case "branch":
		return runBranch(branches, rest[1:])
	case "log":
		mgr, err := txn.Open(*root, cat, branches, config.New(config.WithAutoRecover(false)), log)
		if err != nil {
			return fmt.Errorf("open transaction manager: %w", err)
		}
		return runLog(mgr, rest[1:])
	case "verify":
		mgr, err := txn.Open(*root, cat, branches, config.New(config.WithAutoRecover(false)), log)
		if err != nil {
			return fmt.Errorf("open transaction manager: %w", err)
		}
		return runVerify(mgr, rest[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}
}

func runBranch(branches *branch.Manager, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rhizo branch <list|show|create|delete> ...")
	}
	switch args[0] {
	case "list":
		names, err := branches.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: rhizo branch show <name>")
		}
		b, err := branches.Get(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("branch %s\n", b.Name)
		for table, version := range b.Head {
			fmt.Printf("  %s @ v%d\n", table, version)
		}
		return nil
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: rhizo branch create <name> [--from <branch>]")
		}
		fs := flag.NewFlagSet("branch create", flag.ExitOnError)
		from := fs.String("from", "", "source branch to fork from")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		var fromPtr *string
		if *from != "" {
			fromPtr = from
		}
		b, err := branches.Create(args[1], fromPtr, nil)
		if err != nil {
			return err
		}
		fmt.Printf("created branch %s\n", b.Name)
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: rhizo branch delete <name>")
		}
		return branches.Delete(args[1])
	default:
		return fmt.Errorf("unknown branch subcommand %q", args[0])
	}
}

func runLog(mgr *txn.Manager, args []string) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	table := fs.String("table", "", "restrict to a single table")
	branchName := fs.String("branch", "", "restrict to a single branch")
	sinceTx := fs.Uint64("since-tx", 0, "only transactions at or after this id")
	limit := fs.Int("limit", 0, "maximum entries to print (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := txn.ChangelogFilter{
		SinceTxID: *sinceTx,
		Branch:    *branchName,
		Limit:     *limit,
	}
	if *table != "" {
		filter.Tables = []string{*table}
	}

	entries, err := mgr.GetChangelog(filter)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("tx %d  %s  %s  v%d -> v%d\n", e.TxID, e.Branch, e.Table, e.OldVersion, e.NewVersion)
	}
	return nil
}

func runVerify(mgr *txn.Manager, args []string) error {
	report, err := mgr.VerifyConsistency()
	if err != nil {
		return err
	}
	fmt.Printf("checked %d committed transactions\n", report.Checked)
	for _, w := range report.Warnings {
		fmt.Println("warning:", w)
	}
	for _, e := range report.Errors {
		fmt.Println("error:", e)
	}
	if report.IsClean {
		fmt.Println("consistent")
		return nil
	}
	return fmt.Errorf("inconsistencies found")
}
