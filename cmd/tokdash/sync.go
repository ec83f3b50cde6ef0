package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Read new usage from tool logs into the local ledger",
	Long: `Read new usage from tool logs into the local ledger.

Each source resumes from its checkpoint, so unchanged files are skipped.

Examples:
  tokdash sync
  tokdash sync --source claude --full
  tokdash sync --limit 1000 --upload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, _ := cmd.Flags().GetStringSlice("source")
		full, _ := cmd.Flags().GetBool("full")
		limit, _ := cmd.Flags().GetInt("limit")
		upload, _ := cmd.Flags().GetBool("upload")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if !cmd.Flags().Changed("limit") {
			limit = a.cfg.Sync.ItemLimit
		}
		if !cmd.Flags().Changed("upload") {
			upload = a.cfg.Sync.Upload
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bars := newProgressBars(!jsonOutput)
		rep, err := a.engine.Run(ctx, syncer.RunOptions{
			Sources:  sources,
			Full:     full,
			Limit:    limit,
			Upload:   upload,
			Progress: bars.update,
		})
		bars.finish()
		if err != nil {
			return err
		}

		if upload && rep.UploadQueued {
			if err := drainUploads(ctx, a); err != nil {
				printWarning("upload failed, will retry on next run: %v", err)
			}
		}

		if jsonOutput {
			return printJSON(rep)
		}
		printSyncReport(rep)
		if rep.Failed() {
			return errors.New("one or more sources failed")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringSlice("source", nil, "only sync these sources (repeatable)")
	syncCmd.Flags().Bool("full", false, "ignore checkpoints and rescan everything")
	syncCmd.Flags().Int("limit", 0, "stop each source after this many records (0 = no limit)")
	syncCmd.Flags().Bool("upload", false, "upload new records to the leaderboard")
}

// progressBars keeps one bar per source, created on its first update.
type progressBars struct {
	enabled bool
	current string
	bar     *pb.ProgressBar
}

func newProgressBars(enabled bool) *progressBars {
	return &progressBars{enabled: enabled}
}

func (p *progressBars) update(source string, done, total int) {
	if !p.enabled || total <= 0 {
		return
	}
	if source != p.current || p.bar == nil {
		p.finish()
		p.current = source
		p.bar = pb.New(total)
		p.bar.SetWriter(stderr)
		p.bar.SetTemplate(`{{string . "source"}} {{counters . }} {{bar . }} {{percent . }}`)
		p.bar.Set("source", fmt.Sprintf("%-8s", source))
		p.bar.Start()
	}
	p.bar.SetTotal(int64(total))
	p.bar.SetCurrent(int64(done))
}

func (p *progressBars) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

func printSyncReport(rep *syncer.Report) {
	for _, s := range rep.Sources {
		switch {
		case s.Err != nil:
			printError("%s: %v", s.Name, s.Err)
			continue
		case s.Inserted > 0:
			printSuccess("%s: %s new records (%s tokens, %s)", s.Name,
				formatCount(int64(s.Inserted)), formatCount(s.Stats.Tokens.Total()), formatCost(s.Stats.CostUSD))
		default:
			printStep("%s: up to date", s.Name)
		}
		if s.Duplicates > 0 {
			printStatus("Duplicates", "%d", s.Duplicates)
		}
		if s.Skipped > 0 {
			printStatus("Unchanged", "%d", s.Skipped)
		}
		if s.Truncated {
			printWarning("%s: item limit reached, run sync again to continue", s.Name)
		}
		for _, fe := range s.Errors {
			printWarning("%s: skipped %s: %v", s.Name, fe.Path, fe.Err)
		}
	}
	if rep.UploadQueued {
		printStep("upload queued")
	}
}

// drainUploads runs queued upload jobs to completion.
func drainUploads(ctx context.Context, a *app) error {
	u, err := a.uploader()
	if err != nil {
		return err
	}
	n, err := u.Drain(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		printSuccess("uploaded pending usage")
	}
	return nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload unsynced ledger records to the leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.store.CountUnsynced()
		if err != nil {
			return err
		}
		if pending == 0 {
			printSuccess("nothing to upload")
			return nil
		}

		queued, err := a.store.CountJobs(syncer.JobUpload, "pending")
		if err != nil {
			return err
		}
		if queued == 0 {
			if err := a.store.EnqueueJob(storage.Job{Type: syncer.JobUpload}); err != nil {
				return fmt.Errorf("queueing upload: %w", err)
			}
		}

		printStep("uploading %s records to %s", formatCount(int64(pending)), a.cfg.API.BaseURL)
		if err := drainUploads(cmd.Context(), a); err != nil {
			return err
		}
		left, err := a.store.CountUnsynced()
		if err != nil {
			return err
		}
		if left > 0 {
			return fmt.Errorf("%d records still unsynced, will retry on next upload", left)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously as tool logs change",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		upload := a.cfg.Sync.Upload
		if cmd.Flags().Changed("upload") {
			upload, _ = cmd.Flags().GetBool("upload")
		}
		interval, _ := cmd.Flags().GetDuration("interval")

		w := newWatcher(a, upload, interval)

		var u *syncer.Uploader
		if upload {
			if u, err = a.uploader(); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.Run(gctx) })
		if u != nil {
			g.Go(func() error {
				u.Run(gctx)
				return nil
			})
		}

		fmt.Fprintf(os.Stderr, "watching %d sources (ctrl-c to stop)\n", len(a.defs))
		return g.Wait()
	},
}

// newWatcher builds a watcher over every source that prints reports with
// new records or failures.
func newWatcher(a *app, upload bool, interval time.Duration) *syncer.Watcher {
	w := syncer.NewWatcher(a.engine, a.defs, a.cfg.DebounceDuration(), interval, upload)
	w.OnReport = func(rep *syncer.Report, err error) {
		if err != nil || rep == nil {
			return
		}
		if rep.Inserted() > 0 || rep.Failed() {
			printSyncReport(rep)
		}
	}
	return w
}

func init() {
	watchCmd.Flags().Bool("upload", false, "upload new records as they arrive")
	watchCmd.Flags().Duration("interval", 0, "poll interval for sources that cannot be watched (default 1m)")
}
