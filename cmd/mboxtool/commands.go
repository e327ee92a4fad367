package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/mbox"
)

// forEach runs fn on every mailbox argument, at most a.jobs at a time, and
// returns the results in argument order. The first error cancels the rest.
func (a *app) forEach(ctx context.Context, names []string, fn func(ctx context.Context, path string) (string, error)) ([]string, error) {
	out := make([]string, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.jobs)
	for i, name := range names {
		g.Go(func() error {
			path, err := a.resolve(name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			line, err := fn(ctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out[i] = line
			return nil
		})
	}
	return out, g.Wait()
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		if l != "" {
			fmt.Fprintln(w, l)
		}
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check MAILBOX...",
		Short: "Parse mailboxes and report their state",
		Long: `check opens each mailbox readonly, which parses it fully, and prints
its message count and UID state. Mailboxes that fail to parse are
reported and make the command fail after the others are checked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed atomic.Int32
			lines, err := a.forEach(cmd.Context(), args, func(ctx context.Context, path string) (string, error) {
				line, err := a.check(ctx, path)
				if err != nil {
					a.opts.Logger.Error("check failed", slog.String("mailbox", path), slog.Any("error", err))
					failed.Add(1)
					return fmt.Sprintf("%s: FAILED: %v", path, err), nil
				}
				return line, nil
			})
			printLines(cmd.OutOrStdout(), lines)
			if err != nil {
				return err
			}
			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d of %d mailboxes failed", n, len(args))
			}
			return nil
		},
	}
}

func (a *app) check(ctx context.Context, path string) (string, error) {
	d, err := a.reg.Valid(path)
	if err != nil {
		return "", err
	}
	opts := a.opts
	opts.ReadOnly = true
	mb, err := d.Open(ctx, path, opts)
	if err != nil {
		return "", err
	}
	defer func() { _ = mb.Close(ctx, mailstore.CloseOptions{Discard: true}) }()

	var size int64
	var deleted int
	for seq := 1; seq <= mb.Count(); seq++ {
		e := mb.Entry(seq)
		size += e.Size
		if e.Flags.Has(mailstore.FlagDeleted) {
			deleted++
		}
	}
	return fmt.Sprintf("%s: %s, %d messages (%d recent, %d deleted), %d bytes, uidvalidity %d, uidnext %d",
		path, d.Name(), mb.Count(), mb.Recent(), deleted, size, mb.UIDValidity(), mb.UIDNext()), nil
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list MAILBOX",
		Short: "List the messages in a mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			d, err := a.reg.Valid(path)
			if err != nil {
				return err
			}
			opts := a.opts
			opts.ReadOnly = true
			mb, err := d.Open(ctx, path, opts)
			if err != nil {
				return err
			}
			defer func() { _ = mb.Close(ctx, mailstore.CloseOptions{Discard: true}) }()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tUID\tSIZE\tFLAGS\tDATE\tFROM\tSUBJECT")
			for seq := 1; seq <= mb.Count(); seq++ {
				e := mb.Entry(seq)
				ov, err := mb.FetchOverview(seq)
				if err != nil {
					return fmt.Errorf("message %d: %w", seq, err)
				}
				flags := e.Flags.String()
				if len(e.Keywords) > 0 {
					flags += " " + strings.Join(e.Keywords, " ")
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
					seq, e.UID, e.Size, flags,
					e.InternalDate.Format("2006-01-02 15:04"),
					strings.Join(ov.From, ", "), ov.Subject)
			}
			return tw.Flush()
		},
	}
}

func newExpungeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "expunge MAILBOX...",
		Short: "Remove messages flagged deleted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := a.forEach(cmd.Context(), args, func(ctx context.Context, path string) (string, error) {
				d, err := a.reg.Valid(path)
				if err != nil {
					return "", err
				}
				opts := a.opts
				opts.ReadOnly = false
				opts.RequireWrite = true
				mb, err := d.Open(ctx, path, opts)
				if err != nil {
					return "", err
				}
				n, err := mb.Expunge(ctx)
				if cerr := mb.Close(ctx, mailstore.CloseOptions{}); err == nil {
					err = cerr
				}
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s: %d expunged", path, n), nil
			})
			printLines(cmd.OutOrStdout(), lines)
			return err
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var create bool
	var typ string
	cmd := &cobra.Command{
		Use:   "import SOURCE DEST",
		Short: "Append every message of an mbox file to a mailbox",
		Long: `import reads SOURCE as a plain mbox file, keeping the flags and
keywords other mail programs store in Status, X-Status and X-Keywords,
and appends each message to DEST. Folder-internal pseudo-messages are
skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dest, err := a.resolve(args[1])
			if err != nil {
				return err
			}
			d, err := a.reg.Valid(dest)
			if stderrors.Is(err, errors.ErrNoDriver) && create {
				if d, err = a.reg.Lookup(typ); err == nil {
					err = d.Create(ctx, dest)
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", dest, err)
			}

			n, err := a.importFile(ctx, args[0], d, dest)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages imported\n", dest, n)
			return err
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create DEST if it does not exist")
	cmd.Flags().StringVar(&typ, "type", mbox.DriverName, "mailbox type for --create")
	return cmd
}

func (a *app) importFile(ctx context.Context, source string, d mailstore.Driver, dest string) (int, error) {
	f, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := mboxlib.NewReader(f)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		mr, err := r.NextMessage()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", source, err)
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return n, fmt.Errorf("read %s: %w", source, err)
		}
		msg, ok := mbox.DecodeMessage(raw)
		if !ok {
			continue
		}
		if err := d.Append(ctx, dest, msg, a.opts); err != nil {
			return n, fmt.Errorf("append message %d: %w", n+1, err)
		}
		n++
	}
}
