// Package cli implements local administration commands for the docvault
// store: initialization, share management, export, and backup.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/cryptox"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/server/config"
	"github.com/docvault/docvault/internal/sharing"
)

const usage = `usage: docvault <command> [flags]

commands:
  init      initialize or re-key the encrypted store (-p prompts for a password)
  share     create a share link for a resource
  list      list shares for a resource
  revoke    revoke a share by ID
  cleanup   deactivate expired and exhausted shares
  export    write a plaintext store snapshot to a file
  backup    upload a sealed snapshot to object storage
  restore   download a backup and replace the store contents
`

// App wires the store and services for command-line use.
type App struct {
	cfg    *config.Config
	logger logging.Logger
	store  *keystore.Store
	out    io.Writer
}

// NewApp opens the configured database. The store stays locked until a
// command initializes it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, func() error, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	var (
		db   *sql.DB
		repo keystore.Repository
		err  error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		if db, err = keystore.OpenSQLite(ctx, cfg.DatabaseDSN); err == nil {
			repo = keystore.NewSQLiteRepository(db)
		}
	case "postgres":
		if db, err = keystore.OpenPostgres(ctx, cfg.DatabaseDSN); err == nil {
			repo = keystore.NewPostgresRepository(db)
		}
	default:
		err = fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, nil, err
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		store:  keystore.New(repo, logger),
		out:    os.Stdout,
	}
	return app, db.Close, nil
}

// Run dispatches args[0] as a subcommand.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return nil
	}

	switch args[0] {
	case "init":
		return a.cmdInit(ctx, args[1:])
	case "share":
		return a.cmdShare(ctx, args[1:])
	case "list":
		return a.cmdList(ctx, args[1:])
	case "revoke":
		return a.cmdRevoke(ctx, args[1:])
	case "cleanup":
		return a.cmdCleanup(ctx, args[1:])
	case "export":
		return a.cmdExport(ctx, args[1:])
	case "backup":
		return a.cmdBackup(ctx, args[1:])
	case "restore":
		return a.cmdRestore(ctx, args[1:])
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// masterPassword resolves the store password: the configured one, or a
// hidden terminal prompt when promptFlag is set.
func (a *App) masterPassword(promptFlag bool) ([]byte, error) {
	if promptFlag {
		return GetPassword(a.out, "Enter master password: ")
	}
	if a.cfg.MasterPassword != "" {
		return []byte(a.cfg.MasterPassword), nil
	}
	return nil, nil
}

func (a *App) unlock(ctx context.Context, prompt bool) error {
	password, err := a.masterPassword(prompt)
	if err != nil {
		return err
	}
	defer cryptox.WipeBytes(password)
	return a.store.Initialize(ctx, password)
}

func (a *App) shares() *sharing.Service {
	evaluator := access.NewEvaluator(a.store, a.logger)
	return sharing.NewService(a.store, evaluator, []byte(a.cfg.SessionSecret), a.logger,
		sharing.WithSessionTTL(a.cfg.SessionTTL),
		sharing.WithDefaultTTL(a.cfg.DefaultShareTTL))
}

func (a *App) uploader() (*backup.Uploader, error) {
	if !a.cfg.S3Configured() {
		return nil, errors.New("object storage is not configured, set the s3_* settings first")
	}
	return backup.NewUploader(a.store, backup.S3Config{
		Region:       a.cfg.S3Region,
		AccessKey:    a.cfg.S3AccessKey,
		SecretKey:    a.cfg.S3SecretKey,
		Bucket:       a.cfg.S3Bucket,
		BaseEndpoint: a.cfg.S3BaseEndpoint,
	}, a.logger), nil
}

func (a *App) cmdInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "store initialized")
	return nil
}

func (a *App) cmdShare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("share", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	sharePassword := fs.String("pass", "", "password protecting the share link")
	ttlHours := fs.Int("ttl", 0, "share lifetime in hours (0 = default)")
	maxCount := fs.Int("max", 0, "maximum successful accesses (0 = unlimited)")
	createdBy := fs.String("by", "", "share creator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: share [flags] <resource-id>")
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}

	desc, err := a.shares().CreateShare(ctx, fs.Arg(0), *createdBy, sharing.Config{
		Password:       *sharePassword,
		TTL:            time.Duration(*ttlHours) * time.Hour,
		MaxAccessCount: *maxCount,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "share %s created\n%s\n", desc.ID, desc.URL(a.cfg.PublicOrigin))
	return nil
}

func (a *App) cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: list [flags] <resource-id>")
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}

	shares, err := a.shares().SharesForResource(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	for _, d := range shares {
		state := "active"
		if !d.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(a.out, "%s\t%s\taccesses=%d\n", d.ID, state, d.AccessCount)
	}
	return nil
}

func (a *App) cmdRevoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: revoke [flags] <share-id>")
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}
	if err := a.shares().RevokeShare(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "share %s revoked\n", fs.Arg(0))
	return nil
}

func (a *App) cmdCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}

	shares, err := a.shares().CleanupExpiredShares(ctx)
	if err != nil {
		return err
	}
	entries, err := a.store.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deactivated %d shares, purged %d expired entries\n", shares, entries)
	return nil
}

func (a *App) cmdExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: export [flags] <file>")
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}

	blob, err := a.store.Export(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fs.Arg(0), blob, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "exported %d bytes to %s\n", len(blob), fs.Arg(0))
	return nil
}

func (a *App) cmdBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for a master password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.unlock(ctx, *prompt); err != nil {
		return err
	}

	backupPassword, err := GetPassword(a.out, "Enter backup password: ")
	if err != nil {
		return err
	}
	defer cryptox.WipeBytes(backupPassword)

	up, err := a.uploader()
	if err != nil {
		return err
	}
	key, err := up.BackupExport(ctx, backupPassword)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "backup uploaded as %s\n", key)
	return nil
}

func (a *App) cmdRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	prompt := fs.Bool("p", false, "prompt for the new master password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: restore [flags] <backup-key>")
	}

	if err := a.unlock(ctx, false); err != nil {
		return err
	}

	backupPassword, err := GetPassword(a.out, "Enter backup password: ")
	if err != nil {
		return err
	}
	defer cryptox.WipeBytes(backupPassword)

	storePassword, err := a.masterPassword(*prompt)
	if err != nil {
		return err
	}
	defer cryptox.WipeBytes(storePassword)

	up, err := a.uploader()
	if err != nil {
		return err
	}
	if err := up.Restore(ctx, fs.Arg(0), backupPassword, storePassword); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "store restored")
	return nil
}
