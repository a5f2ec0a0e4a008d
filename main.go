package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/netpulsehq/netpulse/internal/export"
	"github.com/netpulsehq/netpulse/internal/format"
	"github.com/netpulsehq/netpulse/internal/history"
	"github.com/netpulsehq/netpulse/speedtest"
)

var (
	BuildName       = "netpulse"
	BuildAnnotation = "git"
)

type cmdOpts struct {
	verbose      bool
	outputFormat string
	outputPath   string
	downloadSize int64
	uploadSize   int64
	timeoutSecs  int
	ifaceName    string
	testIP4      bool
	testIP6      bool
	iterations   int
	keepHistory  bool
	historyDB    string
	exportDSN    string
	exportTable  string
}

func newRootCmd() *cobra.Command {
	opts := &cmdOpts{}

	cmd := &cobra.Command{
		Use:          BuildName,
		Short:        "Measure internet speed from the command line",
		Long:         "netpulse measures download and upload throughput, latency and jitter\nagainst Cloudflare's speed test endpoints and reports the results as\ntext, JSON, YAML or CSV.",
		Version:      BuildAnnotation,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeasurement(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose diagnostics on stderr")
	flags.StringVarP(&opts.outputFormat, "format", "f", format.Text, "Output format (text, json, yaml, csv)")
	flags.StringVarP(&opts.outputPath, "output", "o", "", "Write results to a file instead of stdout")
	flags.Int64Var(&opts.downloadSize, "download-size", 100, "Download test size in MB")
	flags.Int64Var(&opts.uploadSize, "upload-size", 20, "Upload test size in MB")
	flags.IntVar(&opts.timeoutSecs, "timeout", 30, "Per-request timeout in seconds")
	flags.StringVarP(&opts.ifaceName, "interface", "i", "", "Measure through the given network interface")
	flags.BoolVarP(&opts.testIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	flags.BoolVarP(&opts.testIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	flags.IntVar(&opts.iterations, "iterations", 1, "Number of measurement runs")
	flags.BoolVar(&opts.keepHistory, "history", false, "Record results in the local history database")
	flags.StringVar(&opts.historyDB, "history-db", "netpulse.db", "Path of the history database")
	flags.StringVar(&opts.exportDSN, "export-dsn", "", "PostgreSQL DSN to export results to")
	flags.StringVar(&opts.exportTable, "export-table", export.DefaultTable, "Export table name")

	cmd.AddCommand(newHistoryCmd())

	return cmd
}

func runMeasurement(ctx context.Context, opts *cmdOpts) error {
	switch opts.outputFormat {
	case "", format.Text, format.JSON, format.YAML, format.CSV:
	default:
		return errors.Errorf("unsupported output format %q", opts.outputFormat)
	}
	if opts.testIP4 && opts.testIP6 {
		return errors.New("--ip4 and --ip6 are mutually exclusive")
	}

	network := "tcp"
	if opts.testIP4 {
		network = "tcp4"
	}
	if opts.testIP6 {
		network = "tcp6"
	}

	cfg := speedtest.Config{
		DownloadSizeBytes: opts.downloadSize * 1000 * 1000,
		UploadSizeBytes:   opts.uploadSize * 1000 * 1000,
		RequestTimeout:    time.Duration(opts.timeoutSecs) * time.Second,
	}

	client, err := speedtest.NewClient(cfg, network, opts.ifaceName)
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if opts.verbose {
		logger = log.New(os.Stderr, "", 0)
	}
	errLog := log.New(os.Stderr, "", 0)

	tester := speedtest.New(cfg, speedtest.Dependencies{Client: client, Logger: logger})

	var store *history.Store
	if opts.keepHistory {
		store, err = history.Open(opts.historyDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var sink *export.Postgres
	if opts.exportDSN != "" {
		sink, err = export.NewPostgres(ctx, opts.exportDSN, opts.exportTable)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	if opts.verbose {
		printMetadata(ctx, tester, logger)
	}

	iterations := opts.iterations
	if iterations < 1 {
		iterations = 1
	}
	showProgress := (opts.outputFormat == "" || opts.outputFormat == format.Text) && opts.outputPath == ""

	for i := 0; i < iterations; i++ {
		if showProgress {
			if iterations > 1 {
				fmt.Printf("Starting speed test (%d/%d)...\n", i+1, iterations)
			} else {
				fmt.Println("Starting speed test...")
			}
		}

		res := tester.Run(ctx)

		rendered, err := format.Render(res, opts.outputFormat)
		if err != nil {
			return err
		}
		if err := format.WriteOutput(rendered, opts.outputPath); err != nil {
			return err
		}

		if store != nil {
			if err := store.Save(res); err != nil {
				errLog.Printf("Failed to record history: %v", err)
			} else {
				logger.Printf("Result recorded in %s", opts.historyDB)
			}
		}
		if sink != nil {
			if err := sink.Export(ctx, res); err != nil {
				errLog.Printf("Failed to export result: %v", err)
			} else {
				logger.Printf("Result exported to table %s", opts.exportTable)
			}
		}
	}

	return nil
}

func printMetadata(ctx context.Context, tester *speedtest.Tester, logger *log.Logger) {
	meta, err := tester.Metadata(ctx)
	if err != nil {
		logger.Printf("Error while fetching metadata: %v", err)
		return
	}
	logger.Printf("SrcIP: %s (AS%s)", meta.SrcIP, meta.SrcASN)
	logger.Printf("SrcLocation: %s, %s", meta.SrcCity, meta.SrcCountry)
	logger.Printf("DstColocation: %s", meta.DstColo)
}

type historyOpts struct {
	dbPath     string
	limit      int
	chartPath  string
	chartHours int
}

func newHistoryCmd() *cobra.Command {
	opts := &historyOpts{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded measurement results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dbPath, "db", "netpulse.db", "Path of the history database")
	flags.IntVar(&opts.limit, "limit", 20, "Maximum number of results to show")
	flags.StringVar(&opts.chartPath, "chart", "", "Render a throughput chart PNG to this path")
	flags.IntVar(&opts.chartHours, "chart-hours", 0, "Restrict the chart to the last N hours (0 charts everything shown)")

	return cmd
}

func runHistory(opts *historyOpts) error {
	store, err := history.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.Recent(opts.limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No recorded results.")
		return nil
	}

	fmt.Printf("%-20s %12s %12s %9s %9s  %s\n", "TIMESTAMP", "DOWN (Mbps)", "UP (Mbps)", "PING", "JITTER", "SERVER")
	for _, res := range results {
		fmt.Printf("%-20s %12.2f %12.2f %7.0fms %7.2fms  %s\n",
			res.Timestamp.Local().Format("2006-01-02 15:04:05"),
			res.DownloadMbps, res.UploadMbps, res.PingMs, res.JitterMs, res.ServerID)
	}

	if opts.chartPath != "" {
		// Recent returns newest first; the chart wants chronological order.
		chronological := make([]speedtest.Result, 0, len(results))
		var cutoff time.Time
		if opts.chartHours > 0 {
			cutoff = time.Now().Add(-time.Duration(opts.chartHours) * time.Hour)
		}
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].Timestamp.Before(cutoff) {
				continue
			}
			chronological = append(chronological, results[i])
		}
		if err := history.RenderChart(opts.chartPath, chronological); err != nil {
			return err
		}
		fmt.Printf("Chart written to %s\n", opts.chartPath)
	}

	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
