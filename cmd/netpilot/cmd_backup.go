package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/calderos/netpilot/internal/backup"
	"github.com/calderos/netpilot/internal/config"
)

// runBackup implements the "netpilot backup" subcommand.
func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	out := fs.String("out", "", "output archive path (default netpilot-backup-<date>.tar.gz)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	dbPath := cfg.GetString("database.path")

	archive := *out
	if archive == "" {
		archive = fmt.Sprintf("netpilot-backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := backup.Create(ctx, dbPath, archive); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backup written to %s\n", archive)
}

// runRestore implements the "netpilot restore" subcommand.
func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	target := fs.String("target", ".", "directory to restore into")
	force := fs.Bool("force", false, "overwrite existing files")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: netpilot restore [flags] <archive.tar.gz>")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := backup.Restore(ctx, fs.Arg(0), *target, *force); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored to %s\n", *target)
}
