// Package main provides the adherence core command-line tool for operating
// on a device database: migrations, outbox inspection, sync, risk runs and
// backups.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/app"
	"github.com/kimhsiao/adherence/backend/internal/config"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export"
	backupsched "github.com/kimhsiao/adherence/backend/internal/export/scheduler"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

const usage = `usage: adherence-core <command> [args]

commands:
  version            print the version
  migrate            apply database migrations
  status             show sync state and outbox statistics
  sync               drain the outbox once
  risk [patient-id]  assess one patient, or every patient
  streak <patient>   print the adherence streak
  purge [days]       delete synced outbox items older than days (default 7)
  backup [path]      write a backup archive (BACKUP_PASSWORD encrypts it)
  restore [-requeue] <path>
                     restore a backup; -requeue also queues every row for sync
  backups            list the archives in BACKUP_DIR
`

// opener builds the core and returns the function releasing it; tests
// replace it.
type opener func(ctx context.Context) (*app.App, func() error, error)

func openFromEnv(ctx context.Context) (*app.App, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, a.Close, nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, openFromEnv); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, open opener) error {
	fs := flag.NewFlagSet("adherence-core", flag.ContinueOnError)
	fs.SetOutput(out)
	timeout := fs.Duration("timeout", 5*time.Minute, "overall command timeout")
	fs.Usage = func() { fmt.Fprint(out, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return apperrors.New(apperrors.ErrValidation, "missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(out, "Adherence Core v%s\n", Version)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch cmd {
	case "migrate":
		// app.New already migrated.
		fmt.Fprintln(out, "migrations applied")
		return nil

	case "status":
		status, err := a.Engine.Status(ctx)
		if err != nil {
			return err
		}
		stats, err := a.Outbox.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]interface{}{"sync": status, "outbox": stats})

	case "sync":
		if a.Prober != nil {
			a.Prober.Check(ctx)
		}
		result, err := a.Engine.ForceSync(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, result)

	case "risk":
		if len(rest) > 0 {
			assessment, err := a.Risk.Assess(ctx, rest[0])
			if err != nil {
				return err
			}
			return printJSON(out, assessment)
		}
		results, err := a.Risk.AssessAll(ctx)
		if err != nil {
			logging.Error("Some risk assessments failed", err)
		}
		return printJSON(out, results)

	case "streak":
		if len(rest) == 0 {
			return apperrors.New(apperrors.ErrValidation, "streak needs a patient id")
		}
		n, err := a.Repo.GetAdherenceStreak(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil

	case "purge":
		days := 7
		if len(rest) > 0 {
			days, err = strconv.Atoi(rest[0])
			if err != nil || days < 0 {
				return apperrors.New(apperrors.ErrValidation, "days must be a non-negative integer")
			}
		}
		n, err := a.Outbox.PurgeSynced(ctx, time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "purged %d synced items\n", n)
		return nil

	case "backup":
		path := ""
		if len(rest) > 0 {
			path = rest[0]
		} else {
			path = filepath.Join(a.Config.BackupDir, export.FileName(time.Now(), a.Config.BackupPassword != ""))
		}
		result, err := a.Backup.Export(ctx, &export.ExportConfig{
			OutputPath: path,
			Password:   a.Config.BackupPassword,
		})
		if err != nil {
			return err
		}
		return printJSON(out, result)

	case "restore":
		rfs := flag.NewFlagSet("restore", flag.ContinueOnError)
		rfs.SetOutput(out)
		requeue := rfs.Bool("requeue", false, "queue restored rows for sync")
		if err := rfs.Parse(rest); err != nil {
			return err
		}
		if rfs.NArg() == 0 {
			return apperrors.New(apperrors.ErrValidation, "restore needs an archive path")
		}
		result, err := a.Backup.Import(ctx, &export.ImportConfig{
			ArchivePath: rfs.Arg(0),
			Password:    a.Config.BackupPassword,
			Requeue:     *requeue,
		})
		if err != nil {
			return err
		}
		return printJSON(out, result)

	case "backups":
		archives, err := backupsched.ListArchives(a.Config.BackupDir)
		if err != nil {
			return err
		}
		return printJSON(out, archives)

	default:
		fs.Usage()
		return apperrors.Newf(apperrors.ErrValidation, "unknown command %q", cmd)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
