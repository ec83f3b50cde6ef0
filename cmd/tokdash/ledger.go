package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/config"
	"github.com/kalambet/tokdash/internal/export"
	"github.com/kalambet/tokdash/internal/machine"
	"github.com/kalambet/tokdash/internal/source"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
	"github.com/kalambet/tokdash/internal/usage"
)

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show token usage and cost from the local ledger",
	Long: `Show token usage and cost from the local ledger.

Examples:
  tokdash stats
  tokdash stats --since 7d --by day
  tokdash stats --source codex --by model`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := filterFromFlags(cmd, a)
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")

		switch by {
		case "model":
			buckets, err := a.store.ModelStats(f)
			if err != nil {
				return err
			}
			return printBuckets("MODEL", buckets)
		case "day":
			buckets, err := a.store.DailyStats(f)
			if err != nil {
				return err
			}
			return printBuckets("DAY", buckets)
		case "", "total":
		default:
			return fmt.Errorf("--by must be model, day or total, got %q", by)
		}

		stats, err := a.store.QueryStats(f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		if stats.Records == 0 {
			printWarning("no usage recorded yet (run: tokdash sync)")
			return nil
		}
		printStatus("Records", "%s", formatCount(int64(stats.Records)))
		printStatus("Input", "%s", formatCount(stats.Tokens.Input))
		printStatus("Output", "%s", formatCount(stats.Tokens.Output))
		printStatus("Cache write", "%s", formatCount(stats.Tokens.CacheCreation))
		printStatus("Cache read", "%s", formatCount(stats.Tokens.CacheRead))
		if stats.Tokens.Reasoning > 0 {
			printStatus("Reasoning", "%s", formatCount(stats.Tokens.Reasoning))
		}
		printStatus("Total", "%s tokens", formatCount(stats.Tokens.Total()))
		printStatus("Cost", "%s", formatCost(stats.CostUSD))
		loc := f.Location
		printStatus("Period", "%s to %s", stats.FirstSeen.In(loc).Format("2006-01-02"), stats.LastSeen.In(loc).Format("2006-01-02"))
		return nil
	},
}

func init() {
	statsCmd.Flags().String("source", "", "only this source")
	statsCmd.Flags().String("model", "", "only this model")
	statsCmd.Flags().String("since", "", "start of range: today, 7d, 36h, 2006-01-02 or RFC 3339")
	statsCmd.Flags().String("until", "", "end of range (exclusive), same forms as --since")
	statsCmd.Flags().String("by", "total", "group by model, day or total")
}

func filterFromFlags(cmd *cobra.Command, a *app) (storage.Filter, error) {
	src, _ := cmd.Flags().GetString("source")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	var model string
	if cmd.Flags().Lookup("model") != nil {
		model, _ = cmd.Flags().GetString("model")
	}

	loc := a.prefs.Location()
	now := time.Now()
	from, err := usage.ParseTime(since, now, loc)
	if err != nil {
		return storage.Filter{}, fmt.Errorf("--since: %w", err)
	}
	to, err := usage.ParseTime(until, now, loc)
	if err != nil {
		return storage.Filter{}, fmt.Errorf("--until: %w", err)
	}
	return storage.Filter{Source: src, Model: model, From: from, To: to, Location: loc}, nil
}

func printBuckets(label string, buckets []usage.Bucket) error {
	if jsonOutput {
		if buckets == nil {
			buckets = []usage.Bucket{}
		}
		return printJSON(buckets)
	}
	tw := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\tRECORDS\tINPUT\tOUTPUT\tCACHE READ\tTOTAL\tCOST\t\n", label)
	var total usage.Bucket
	for _, b := range buckets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n", b.Key,
			formatCount(int64(b.Records)), formatCount(b.Tokens.Input), formatCount(b.Tokens.Output),
			formatCount(b.Tokens.CacheRead), formatCount(b.Tokens.Total()), formatCost(b.CostUSD))
		total.Records += b.Records
		total.Tokens = total.Tokens.Add(b.Tokens)
		total.CostUSD += b.CostUSD
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n", "TOTAL",
		formatCount(int64(total.Records)), formatCount(total.Tokens.Input), formatCount(total.Tokens.Output),
		formatCount(total.Tokens.CacheRead), formatCount(total.Tokens.Total()), formatCost(total.CostUSD))
	return tw.Flush()
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show machine, ledger and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStatus("Machine", "%s", a.machineID)
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)

		totals, err := a.store.Sources()
		if err != nil {
			return err
		}
		var records, unsynced int
		for _, t := range totals {
			records += t.Records
			unsynced += t.Unsynced
		}
		printStatus("Records", "%s (%s not uploaded)", formatCount(int64(records)), formatCount(int64(unsynced)))

		for _, name := range a.engine.Names() {
			rec, ok := a.checkpoints.Get(a.machineID, name)
			if !ok {
				printStatus("Source "+name, "never synced")
				continue
			}
			printStatus("Source "+name, "synced %s", rec.LastSynced.Local().Format(time.DateTime))
		}

		pending, err := a.store.CountJobs(syncer.JobUpload, "pending")
		if err == nil && pending > 0 {
			printStatus("Uploads", "%d queued", pending)
		}
		if a.cfg.API.Token == "" {
			printStatus("Leaderboard", "not configured")
		} else {
			printStatus("Leaderboard", "%s", a.cfg.API.BaseURL)
		}

		client, err := newAPIClient()
		if err != nil {
			printStatus("Server", "unknown (%v)", err)
			return nil
		}
		if h, err := client.health(cmd.Context()); err != nil {
			printStatus("Server", "stopped")
		} else {
			printStatus("Server", "running on port %d (version %s)", a.cfg.Server.Port, h.Version)
		}
		return nil
	},
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured log sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		totals, err := a.store.Sources()
		if err != nil {
			return err
		}
		byName := make(map[string]storage.SourceTotals, len(totals))
		for _, t := range totals {
			byName[t.Source] = t
		}

		type sourceView struct {
			Name    string   `json:"name"`
			Kind    string   `json:"kind"`
			Paths   []string `json:"paths"`
			Found   bool     `json:"found"`
			Records int      `json:"records"`
		}
		var views []sourceView
		for _, d := range a.defs {
			v := sourceView{Name: d.Name, Kind: string(d.Kind), Records: byName[d.Name].Records}
			for _, p := range source.WatchPaths(d) {
				v.Paths = append(v.Paths, p)
				if fileExists(p) {
					v.Found = true
				}
			}
			if d.Kind == source.KindSQLite {
				db := source.ExpandHome(d.Database)
				v.Paths = []string{db}
				v.Found = fileExists(db)
			}
			views = append(views, v)
		}

		if jsonOutput {
			return printJSON(views)
		}
		tw := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tRECORDS\tPATH")
		for _, v := range views {
			path := strings.Join(v.Paths, ", ")
			if !v.Found {
				path += colorize(colorYellow, " (not found)")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Kind, formatCount(int64(v.Records)), path)
		}
		return tw.Flush()
	},
}

// --- checkpoint ---

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset sync checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show [source]",
	Short: "Show checkpoints for this machine as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		names := a.checkpoints.Sources(a.machineID)
		if len(args) == 1 {
			names = args
		}
		out := make(map[string]checkpoint.Record, len(names))
		for _, n := range names {
			rec, ok := a.checkpoints.Get(a.machineID, n)
			if !ok {
				return fmt.Errorf("%w: %s", checkpoint.ErrUnknownSource, n)
			}
			out[n] = rec
		}
		return printJSON(out)
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset [source]",
	Short: "Forget checkpoints so the next sync rereads the logs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return errors.New("give a source name or --all")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if all {
			n := a.checkpoints.ResetMachine(a.machineID)
			if err := a.checkpoints.Save(); err != nil {
				return err
			}
			printSuccess("Reset %d checkpoints", n)
			return nil
		}
		if err := a.checkpoints.Reset(a.machineID, args[0]); err != nil {
			return err
		}
		if err := a.checkpoints.Save(); err != nil {
			return err
		}
		printSuccess("Reset checkpoint for %s", args[0])
		return nil
	},
}

func init() {
	checkpointResetCmd.Flags().Bool("all", false, "reset every source on this machine")
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}

// --- machine-id ---

var machineIDCmd = &cobra.Command{
	Use:   "machine-id",
	Short: "Print this machine's identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		id, err := machine.ID(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, id)
		return nil
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger records as JSONL or CSV",
	Long: `Export ledger records as JSONL or CSV.

Examples:
  tokdash export --format csv --output usage.csv
  tokdash export --since 30d --bucket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatStr, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		toBucket, _ := cmd.Flags().GetBool("bucket")

		format, err := export.ParseFormat(formatStr)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := filterFromFlags(cmd, a)
		if err != nil {
			return err
		}
		entries, err := allEntries(a.store, f)
		if err != nil {
			return err
		}

		if toBucket {
			up, err := export.NewBucketUploader(export.BucketConfig{
				Endpoint:  a.cfg.Export.Endpoint,
				Bucket:    a.cfg.Export.Bucket,
				UseSSL:    a.cfg.Export.UseSSL,
				AccessKey: a.cfg.Export.AccessKey,
				SecretKey: a.cfg.Export.SecretKey,
			})
			if err != nil {
				return err
			}
			key, err := up.Upload(cmd.Context(), a.machineID, time.Now(), format, entries)
			if err != nil {
				return err
			}
			printSuccess("Exported %d records to %s/%s", len(entries), a.cfg.Export.Bucket, key)
			return nil
		}

		if output == "" || output == "-" {
			return export.Write(stdout, format, entries)
		}
		var buf bytes.Buffer
		if err := export.Write(&buf, format, entries); err != nil {
			return err
		}
		if err := os.WriteFile(output, buf.Bytes(), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Exported %d records to %s", len(entries), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "jsonl", "jsonl or csv")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().Bool("bucket", false, "upload to the configured export bucket instead")
	exportCmd.Flags().String("source", "", "only this source")
	exportCmd.Flags().String("since", "", "start of range")
	exportCmd.Flags().String("until", "", "end of range (exclusive)")
}

// allEntries pages through every ledger record matching f.
func allEntries(store *storage.Store, f storage.Filter) ([]storage.Entry, error) {
	const page = 1000
	var out []storage.Entry
	for offset := 0; ; offset += page {
		batch, err := store.ListRecords(f, page, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}
