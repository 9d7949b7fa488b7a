// jobdctl administers the jobd metadata database: create a fresh one, move
// copies between the local disk and the object store, retire old jobs into
// archives, and inspect tables, versions, and individual jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"

	"jobd/internal/config"
	"jobd/internal/job"
	"jobd/internal/metastore"
	"jobd/internal/objstore"
)

const usageText = `Usage: jobdctl <command> [flags] [args]

Commands:
  create    [-overwrite]                    create a fresh local metadata database
  upload                                    push the local database to the object store
  download                                  pull the remote database over the local one
  delete    [-local] [-remote]              delete database copies
  archive   [-days N]                       retire jobs older than N days (default 7)
  print     [-table T] [-job N] [-unfinished]  print a table
  vnum      [-increment]                    show (and optionally bump) version counters
  status    USER JOBID                      show one job with its files

Configuration comes from the environment and the optional CONFIG_FILE, the
same way the daemon reads it.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "jobdctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}

	switch command {
	case "create":
		return runCreate(ctx, cfg, args)
	case "upload":
		return runUpload(ctx, cfg)
	case "download":
		return runDownload(ctx, cfg)
	case "delete":
		return runDelete(ctx, cfg, args)
	case "archive":
		return runArchive(ctx, cfg, args)
	case "print":
		return runPrint(ctx, cfg, args)
	case "vnum":
		return runVNum(ctx, cfg, args)
	case "status":
		return runStatus(ctx, cfg, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// env bundles the store, its syncer, and the object store backend.
type env struct {
	store *metastore.Store
	sync  *metastore.Syncer
	blobs objstore.Store
}

func openEnv(cfg *config.ServiceConfig) (*env, error) {
	if err := os.MkdirAll(cfg.Registry.DataDir, 0o755); err != nil {
		return nil, err
	}
	blobs, err := newObjstore(cfg.Store)
	if err != nil {
		return nil, err
	}
	store, err := metastore.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	return &env{
		store: store,
		sync:  metastore.NewSyncer(store, blobs, cfg.Store.DatabaseKey, cfg.AppVersion, nil),
		blobs: blobs,
	}, nil
}

func (e *env) Close() error { return e.store.Close() }

func newObjstore(cfg config.StoreConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "http":
		return objstore.NewHTTPStore(cfg.BaseURL, cfg.Token)
	default:
		return objstore.NewFSStore(cfg.Root)
	}
}

// runCreate initializes a fresh local database. It refuses when a remote copy
// already exists: the shared state lives there, download it instead.
func runCreate(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "replace an existing local database")
	fs.Parse(args)

	blobs, err := newObjstore(cfg.Store)
	if err != nil {
		return err
	}
	found, err := blobs.Exists(ctx, cfg.Store.DatabaseKey)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("a remote database already exists at %s; use download", cfg.Store.DatabaseKey)
	}

	path := cfg.DatabasePath()
	if _, err := os.Stat(path); err == nil {
		if !*overwrite {
			return fmt.Errorf("%s already exists; pass -overwrite to replace it", path)
		}
		removeDatabaseFiles(path)
	}

	if err := os.MkdirAll(cfg.Registry.DataDir, 0o755); err != nil {
		return err
	}
	store, err := metastore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("created %s\n", path)
	return nil
}

func runUpload(ctx context.Context, cfg *config.ServiceConfig) error {
	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.sync.Push(ctx, false); err != nil {
		return err
	}
	vnum, since, err := e.store.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pushed %s (vnum=%d jobs_since=%d)\n", cfg.Store.DatabaseKey, vnum, since)
	return nil
}

func runDownload(ctx context.Context, cfg *config.ServiceConfig) error {
	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.sync.Pull(ctx, false); err != nil {
		return err
	}
	vnum, since, err := e.store.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pulled %s (vnum=%d jobs_since=%d)\n", cfg.Store.DatabaseKey, vnum, since)
	return nil
}

func runDelete(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	local := fs.Bool("local", false, "delete the local database file")
	remote := fs.Bool("remote", false, "delete the remote database object")
	fs.Parse(args)

	if !*local && !*remote {
		return errors.New("nothing to delete: pass -local and/or -remote")
	}

	if *local {
		removeDatabaseFiles(cfg.DatabasePath())
		fmt.Printf("deleted %s\n", cfg.DatabasePath())
	}
	if *remote {
		blobs, err := newObjstore(cfg.Store)
		if err != nil {
			return err
		}
		if err := blobs.Delete(ctx, cfg.Store.DatabaseKey); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", cfg.Store.DatabaseKey)
	}
	return nil
}

func runArchive(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	days := fs.Int("days", 7, "retire jobs older than this many days")
	fs.Parse(args)

	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := e.sync.Archive(ctx, time.Now().UTC().AddDate(0, 0, -*days))
	if err != nil {
		return err
	}
	fmt.Printf("archived to %s\n", key)
	return nil
}

func runPrint(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("print", flag.ExitOnError)
	table := fs.String("table", "jobs", "table to print: jobs, files, notifications, subscriptions, version")
	jobID := fs.Int64("job", 0, "print only rows for this job ID")
	unfinished := fs.Bool("unfinished", false, "print only unfinished jobs")
	fs.Parse(args)

	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	columns, rows, err := e.store.Dump(ctx, *table, *jobID, *unfinished)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(columns, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("(%d rows)\n", len(rows))
	return nil
}

func runVNum(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("vnum", flag.ExitOnError)
	increment := fs.Bool("increment", false, "bump the local version counter")
	fs.Parse(args)

	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if *increment {
		if err := e.store.BumpVersion(ctx); err != nil {
			return err
		}
	}

	vnum, since, err := e.store.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("local:  vnum=%d jobs_since=%d\n", vnum, since)

	rv, rs, found, err := e.sync.RemoteVersion(ctx)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("remote: (none)")
		return nil
	}
	fmt.Printf("remote: vnum=%d jobs_since=%d\n", rv, rs)
	return nil
}

func runStatus(ctx context.Context, cfg *config.ServiceConfig, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: jobdctl status USER JOBID")
	}
	username := args[0]
	jobID, err := job.ParseJobID(args[1])
	if err != nil {
		return err
	}

	e, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.store.GetJob(ctx, username, jobID)
	if err != nil {
		return err
	}
	files, err := e.store.ListFiles(ctx, username, jobID)
	if err != nil {
		return err
	}
	notifications, err := e.store.CountNotifications(ctx, username, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("job:     %s\n", j.Key())
	fmt.Printf("command: %s\n", j.Command)
	fmt.Printf("status:  %s\n", j.Status)
	if j.PID != 0 {
		fmt.Printf("pid:     %d\n", j.PID)
	}
	fmt.Printf("logfile: %s\n", j.LogFile)

	if len(files) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "filename\tdirection\tstatus\tsize")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", f.Filename, f.Direction, f.Status, f.SizeBytes)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Printf("\n%d notification(s) recorded\n", notifications)
	return nil
}

// removeDatabaseFiles deletes the database file and its WAL sidecars.
func removeDatabaseFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}
