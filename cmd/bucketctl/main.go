// Package main is bucketctl, a command-line client that runs BucketDesk
// operations in-process against a configured provider profile.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bucketdesk/bucketdesk/internal/config"
	"github.com/bucketdesk/bucketdesk/internal/logging"
	"github.com/bucketdesk/bucketdesk/internal/provider"
	"github.com/bucketdesk/bucketdesk/internal/storage"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds the state shared by every subcommand.
type CLI struct {
	configPath string
	profile    string
	verbose    bool

	cfg      *config.Config
	provider provider.Config
	adapter  *storage.Adapter
	journal  *storage.SQLiteJournal
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "bucketctl",
		Short: "Manage objects in S3, R2, MinIO, Supabase, GCS and Azure buckets",
		Long: `bucketctl runs BucketDesk operations directly against a provider profile
from the configuration file.

Examples:
  bucketctl ls photos cats/ --profile r2
  bucketctl upload photos ./img/*.png --prefix blog --preset thumbnail --preset hd
  bucketctl mv photos cats/a.png archive/
  bucketctl url photos cats/a.png --expires 1h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.initialize()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return cli.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "bucketdesk.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&cli.profile, "profile", "p", "", "Provider profile (default: the only configured profile)")
	rootCmd.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Log adapter calls to stderr")

	rootCmd.AddCommand(
		newListCommand(cli),
		newPutCommand(cli),
		newGetCommand(cli),
		newRemoveCommand(cli),
		newMoveCommand(cli),
		newRenameCommand(cli),
		newMkdirCommand(cli),
		newMakeBucketCommand(cli),
		newRemoveBucketCommand(cli),
		newURLCommand(cli),
		newResumeCommand(cli),
		newPingCommand(cli),
		newCompressCommand(cli),
		newUploadCommand(cli),
		newDownloadCommand(cli),
	)
	return rootCmd
}

// initialize loads the config and resolves the profile.
func (c *CLI) initialize() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logging.Setup(level, cfg.Logging.Format, os.Stderr)

	name := c.profile
	if name == "" {
		names := cfg.ProfileNames()
		if len(names) != 1 {
			return fmt.Errorf("--profile is required; configured profiles: %v", names)
		}
		name = names[0]
	}
	p, err := cfg.Profile(name)
	if err != nil {
		return err
	}
	c.provider = p

	opts := storage.Options{
		ConnectTimeout: cfg.Transfer.ConnectTimeout.Std(),
		CallTimeout:    cfg.Transfer.CallTimeout.Std(),
		Logger:         slog.Default(),
	}
	if cfg.Transfer.JournalPath != "" {
		j, err := storage.NewSQLiteJournal(cfg.Transfer.JournalPath)
		if err != nil {
			return err
		}
		c.journal = j
		opts.Journal = j
	}
	c.adapter = storage.NewAdapter(nil, opts)
	slog.Debug("Profile resolved", "profile", name, "provider", p)
	return nil
}

// close snapshots memory backends and releases the journal.
func (c *CLI) close() error {
	err := storage.FlushMemoryBackends()
	if c.journal != nil {
		if cerr := c.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// status prints a one-line outcome.
func status(w io.Writer, ok bool, format string, args ...any) {
	mark := green("ok")
	if !ok {
		mark = red("failed")
	}
	fmt.Fprintf(w, "%s %s\n", mark, fmt.Sprintf(format, args...))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}
