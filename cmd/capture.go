package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/client"
	"github.com/JakeFAU/sitepeek/internal/config"
	collyfetcher "github.com/JakeFAU/sitepeek/internal/fetcher/colly"
	"github.com/JakeFAU/sitepeek/internal/fetcher/headless"
	"github.com/JakeFAU/sitepeek/internal/history"
	"github.com/JakeFAU/sitepeek/internal/id/uuid"
	"github.com/JakeFAU/sitepeek/internal/logging"
	"github.com/JakeFAU/sitepeek/internal/orchestrator"
	"github.com/JakeFAU/sitepeek/internal/preview"
	gcsstorage "github.com/JakeFAU/sitepeek/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitepeek/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitepeek/internal/storage/memory"
)

var (
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#54baff"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3fb950")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

type captureOptions struct {
	flow     string
	download bool
	loader   string
	verbose  bool
}

func newCaptureCmd() *cobra.Command {
	opts := captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture URL [URL...]",
		Short: "Request screenshots from a running API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runCapture(cmd.Context(), cfg, opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.flow, "flow", "", "flow to use: standard, fast, or simple (overrides client.flow)")
	cmd.Flags().BoolVar(&opts.download, "download", false, "save each screenshot after it loads")
	cmd.Flags().StringVar(&opts.loader, "loader", "", "image loader: http or chromedp (overrides client.loader)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn")
	return cmd
}

func runCapture(
	ctx context.Context,
	cfg config.Config,
	opts captureOptions,
	urls []string,
	stdout, stderr io.Writer,
) error {
	if opts.flow != "" {
		cfg.Client.Flow = opts.flow
	}
	if opts.loader != "" {
		cfg.Client.Loader = opts.loader
	}
	level := "warn"
	if opts.verbose {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, cleanup, err := buildSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	view := newCaptureView(stderr)
	session.OnChange(view.render)
	stopCancel := context.AfterFunc(ctx, session.Cancel)
	defer stopCancel()

	var failed int
	for _, raw := range urls {
		if ctx.Err() != nil {
			break
		}
		snap, err := session.Submit(ctx, raw)
		view.finish()
		switch {
		case errors.Is(err, orchestrator.ErrCanceled):
			fmt.Fprintln(stdout, dimStyle.Render("canceled: "+raw))
			continue
		case err != nil:
			failed++
			fmt.Fprintf(stdout, "%s %s\n  %s\n", failureStyle.Render("failed"), raw, err)
			if snap.Result != nil {
				fmt.Fprintf(stdout, "  %s %s\n", dimStyle.Render("open in new tab:"), snap.Result.ImageReference)
			}
			session.Dismiss()
			continue
		}
		printResult(stdout, snap)
		if opts.download {
			outcome, err := session.Download(ctx)
			if err != nil {
				failed++
				fmt.Fprintf(stdout, "  %s %s\n", failureStyle.Render("download:"), err)
				continue
			}
			fmt.Fprintf(stdout, "  %s %s (%s, %d bytes)\n", labelStyle.Render("saved:"), outcome.Location, outcome.Kind, outcome.Bytes)
		}
	}

	printHistory(stdout, session.History())
	if failed > 0 {
		return fmt.Errorf("%d of %d captures failed", failed, len(urls))
	}
	return nil
}

func buildSession(ctx context.Context, cfg config.Config, logger *zap.Logger) (*orchestrator.Session, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	apiClient, err := client.New(client.Config{
		BaseURL: cfg.Client.BaseURL,
		APIKey:  cfg.Client.APIKey,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("api client: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Proxy.UserAgent,
		Timeout:   cfg.Client.ImageTimeout,
	})

	var loader orchestrator.ImageLoader
	switch cfg.Client.Loader {
	case "chromedp":
		browserLoader, err := headless.NewChromedp(headless.Config{
			MaxParallel: 1,
			UserAgent:   cfg.Proxy.UserAgent,
			LoadTimeout: cfg.Client.ImageTimeout,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("chromedp loader: %w", err)
		}
		closers = append(closers, browserLoader.Close)
		loader = browserLoader
	default:
		loader = orchestrator.NewHTTPLoader(fetcher, logger)
	}

	store, closeStore, err := buildBlobStore(ctx, cfg.Client.Storage)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	closers = append(closers, closeStore)

	var opener orchestrator.Opener
	if !cfg.Client.OpenBrowser {
		opener = func(string) error { return errors.New("opening a browser is disabled") }
	}
	downloader := orchestrator.NewDownloader(apiClient, fetcher, opener, store, uuid.NewRandom(), logger)

	hist, err := history.New(cfg.Client.HistorySize)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	session := orchestrator.NewSession(apiClient, loader, fetcher, downloader, hist, nil, orchestrator.Config{
		Flow:             cfg.Client.Flow,
		RequestTimeout:   cfg.Client.RequestTimeout,
		ImageTimeout:     cfg.Client.ImageTimeout,
		ProbeTimeout:     cfg.Client.ProbeTimeout,
		ProgressInterval: cfg.Client.ProgressInterval,
		ProbeImage:       cfg.Client.ProbeImage,
	}, logger)
	return session, cleanup, nil
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (preview.BlobStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(gcsClient, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = gcsClient.Close()
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, func() { _ = gcsClient.Close() }, nil
	case "local":
		store, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, func() {}, nil
	default:
		return memorystorage.NewBlobStore(), func() {}, nil
	}
}

// captureView draws session snapshots as a single updating progress line.
type captureView struct {
	mu     sync.Mutex
	out    io.Writer
	bar    progress.Model
	active bool
}

func newCaptureView(out io.Writer) *captureView {
	bar := progress.New(progress.WithGradient("#007BC0", "#54baff"))
	bar.Width = 40
	return &captureView{out: out, bar: bar}
}

func (v *captureView) render(snap orchestrator.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch snap.State {
	case orchestrator.StateRequesting:
		v.active = true
		fmt.Fprintf(v.out, "\r%s %s", labelStyle.Render("Generating screenshot"), v.bar.ViewAs(snap.Progress/100))
	case orchestrator.StateImageLoading:
		v.active = true
		fmt.Fprintf(v.out, "\r%s %s", labelStyle.Render("Loading image        "), v.bar.ViewAs(1))
	default:
		v.endLine()
	}
}

func (v *captureView) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endLine()
}

func (v *captureView) endLine() {
	if v.active {
		fmt.Fprintln(v.out)
		v.active = false
	}
}

func printResult(w io.Writer, snap orchestrator.Snapshot) {
	result := snap.Result
	fmt.Fprintf(w, "%s %s\n", successStyle.Render("ok"), result.SourceURL.String())
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("service:"), result.ProviderName)
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("image:"), result.ImageReference)
	if result.Note != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("note:"), result.Note)
	}
	fmt.Fprintf(w, "  %s api %s, total %s\n", labelStyle.Render("timing:"),
		snap.APIElapsed.Round(time.Millisecond), snap.TotalElapsed.Round(time.Millisecond))
}

func printHistory(w io.Writer, entries []preview.HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w, dimStyle.Render("recent:"))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  %s\n", dimStyle.Render(e.Timestamp.Local().Format(time.Kitchen)), e.URL)
	}
}
