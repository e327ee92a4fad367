package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/maildir"
	"github.com/infodancer/mailstore/mbox"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	jobs       int

	reg   *mailstore.Registry
	store *mailstore.Store
	opts  mailstore.OpenOptions
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mboxtool",
		Short: "Maintain local mbox and maildir mailboxes",
		Long: `mboxtool works on mailbox files and maildirs directly. With --config,
mailbox arguments are user names resolved through the store's base path
and path template instead of filesystem paths.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "store configuration file (TOML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.PersistentFlags().IntVarP(&a.jobs, "jobs", "j", 4, "mailboxes processed at once")

	root.AddCommand(
		newCheckCmd(a),
		newListCmd(a),
		newExpungeCmd(a),
		newImportCmd(a),
	)
	return root
}

func (a *app) setup(logOut io.Writer) error {
	level := new(slog.LevelVar)
	switch a.logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}
	if a.jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1")
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	a.reg = mailstore.NewRegistry()
	mbox.Register(a.reg)
	maildir.Register(a.reg)
	a.opts = mailstore.OpenOptions{Logger: logger}

	if a.configPath == "" {
		return nil
	}
	cfg, err := mailstore.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.store, err = a.reg.OpenStore(cfg, a.opts); err != nil {
		return err
	}
	if a.opts, err = cfg.OpenOptions(); err != nil {
		return err
	}
	a.opts.Logger = logger
	return nil
}

// resolve maps a mailbox argument to a filesystem path.
func (a *app) resolve(name string) (string, error) {
	if a.store == nil {
		return name, nil
	}
	return a.store.MailboxPath(name)
}
