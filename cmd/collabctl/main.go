// Command collabctl is an offline administration tool for a collabd
// storage directory: project stats, manual snapshot compaction, and
// database backup, run directly against the store with no server running.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"collabd/internal/document"
	"collabd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	storagePath := getEnvOr("STORAGE_PATH", "./data")
	dbPath := filepath.Join(storagePath, "collabd.db")
	snapshotDir := filepath.Join(storagePath, "snapshots")

	switch os.Args[1] {
	case "stats":
		cmdStats(dbPath, snapshotDir, os.Args[2:])
	case "compact":
		cmdCompact(dbPath, snapshotDir, os.Args[2:])
	case "backup":
		cmdBackup(dbPath, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: collabctl <stats|compact|backup> [args]")
	fmt.Fprintln(os.Stderr, "  stats <project_id>      show chat/change counts for one project")
	fmt.Fprintln(os.Stderr, "  compact <project_id>    force a snapshot compaction")
	fmt.Fprintln(os.Stderr, "  backup <out_path>       copy the database file to out_path")
}

func cmdStats(dbPath, snapshotDir string, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: collabctl stats <project_id>")
		os.Exit(1)
	}
	st := openStore(dbPath, snapshotDir)
	defer st.Close()

	ctx := context.Background()
	projectID := args[0]
	meta, err := st.GetProjectMeta(ctx, projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	stats, err := st.Stats(ctx, projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Project:         %s (%s)\n", meta.ProjectID, meta.Name)
	fmt.Printf("Created:         %s\n", humanize.Time(unixMilliTime(meta.CreatedAt)))
	fmt.Printf("Last modified:   %s\n", humanize.Time(unixMilliTime(meta.ModifiedAt)))
	fmt.Printf("Snapshot seq:    %d\n", meta.SnapshotSeq)
	fmt.Printf("Pending changes: %d\n", stats.PendingChanges)
	fmt.Printf("Chat entries:    %d\n", stats.ChatEntries)
}

func cmdCompact(dbPath, snapshotDir string, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: collabctl compact <project_id>")
		os.Exit(1)
	}
	st := openStore(dbPath, snapshotDir)
	defer st.Close()

	ctx := context.Background()
	projectID := args[0]
	snapshot, pending, meta, err := st.LoadOrInit(ctx, projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(pending) == 0 {
		fmt.Println("Nothing to compact.")
		return
	}

	doc, err := document.Load("collabctl", snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error decoding snapshot: %v\n", err)
		os.Exit(1)
	}
	state := document.NewSyncState()
	for _, payload := range pending {
		if _, newState, err := doc.ApplyRemote(state, payload); err == nil {
			state = newState
		}
	}

	upTo := meta.SnapshotSeq + int64(len(pending))
	if err := st.Compact(ctx, projectID, doc.Save(), upTo); err != nil {
		fmt.Fprintf(os.Stderr, "compact failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Compacted %d changes into a new snapshot (seq <= %d)\n", len(pending), upTo)
}

func cmdBackup(dbPath string, args []string) {
	outPath := "collabd-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	src, err := os.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating backup file: %v\n", err)
		os.Exit(1)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s (%s)\n", outPath, humanize.Bytes(uint64(n)))
}

func openStore(dbPath, snapshotDir string) *store.Store {
	st, err := store.Open(dbPath, snapshotDir, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func unixMilliTime(ms int64) time.Time { return time.UnixMilli(ms) }

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
