package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/connlock"
	"github.com/koltyakov/deskrelay/internal/filestore"
	"github.com/koltyakov/deskrelay/internal/registry"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
)

const connectionUsage = "usage: deskrelay connection <create|list|status|delete> [flags]"

// runConnectionAdmin manages connections directly against the database.
// It must not run against a database a live server is brokering sessions
// for, since that server's in-memory sessions would not be closed.
func runConnectionAdmin(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, connectionUsage)
		return 2
	}
	switch args[0] {
	case "create":
		return runConnectionCreate(ctx, args[1:], stdout, stderr)
	case "list":
		return runConnectionList(ctx, args[1:], stdout, stderr)
	case "status":
		return runConnectionStatus(ctx, args[1:], stdout, stderr)
	case "delete":
		return runConnectionDelete(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown connection command:", args[0])
		fmt.Fprintln(stderr, connectionUsage)
		return 2
	}
}

func newAdminFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", envOr("DESKRELAY_DB_PATH", "./deskrelay.db"), "SQLite database path")
	return fs, dbPath
}

func openRegistry(dbPath string, stderr io.Writer) (*registry.Registry, *sqlite.Store, bool) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, nil, false
	}
	return registry.New(store, activity.New(store, nil), connlock.New(), nil), store, true
}

func runConnectionCreate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newAdminFlagSet("connection-create", stderr)
	name := fs.String("name", "", "display name")
	location := fs.String("location", "", "free-form location")
	country := fs.String("country", "", "country of the machine")
	city := fs.String("city", "", "city of the machine")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	reg, store, ok := openRegistry(*dbPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	c, err := reg.Create(ctx, registry.NewConnection{
		Name:     *name,
		Location: *location,
		Country:  *country,
		City:     *city,
	})
	if err != nil {
		fmt.Fprintln(stderr, "create connection:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", c.ID)
	fmt.Fprintln(stdout, "name:", c.Name)
	fmt.Fprintln(stdout, "status:", c.Status)
	fmt.Fprintln(stdout, "installation_key:", c.InstallationKey)
	return 0
}

func runConnectionList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newAdminFlagSet("connection-list", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	reg, store, ok := openRegistry(*dbPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	conns, err := reg.List(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list connections:", err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tADDRESS\tLAST SEEN")
	for _, c := range conns {
		addr := c.Address
		if addr == "" {
			addr = "-"
		}
		seen := "-"
		if c.LastSeenAt != nil {
			seen = c.LastSeenAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Status, addr, seen)
	}
	_ = tw.Flush()
	return 0
}

func runConnectionStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newAdminFlagSet("connection-status", stderr)
	id := fs.String("id", "", "connection id")
	status := fs.String("status", "", "pending|active|inactive")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *status == "" {
		fmt.Fprintln(stderr, "connection status error: --id and --status are required")
		return 2
	}

	reg, store, ok := openRegistry(*dbPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	c, err := reg.SetStatus(ctx, *id, *status)
	if err != nil {
		fmt.Fprintln(stderr, "set status:", err)
		return 1
	}
	fmt.Fprintln(stdout, "status:", c.Status)
	return 0
}

func runConnectionDelete(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newAdminFlagSet("connection-delete", stderr)
	id := fs.String("id", "", "connection id")
	filesDir := fs.String("files-dir", envOr("DESKRELAY_FILES_DIR", "./files"), "root directory of per-connection file areas")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "connection delete error: --id is required")
		return 2
	}

	reg, store, ok := openRegistry(*dbPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	if err := reg.Delete(ctx, *id); err != nil {
		fmt.Fprintln(stderr, "delete connection:", err)
		return 1
	}
	if files, err := filestore.New(*filesDir, 0); err == nil {
		if err := files.RemoveConnection(*id); err != nil {
			fmt.Fprintln(stderr, "remove connection files:", err)
		}
	}
	fmt.Fprintln(stdout, "deleted:", *id)
	return 0
}
