// fieldsync keeps a technician's meter readings on the device and syncs them
// with the field-data backend whenever a connection is available.
//
// Usage:
//
//	fieldsync setup                          # interactive first-run wizard
//	fieldsync sync [--config <path>]         # pull changes, push pending readings
//	fieldsync record <meter-id> <value> [--photo <file>]
//	fieldsync meters [--location <l>|--search <s>]
//	fieldsync meter <meter-id>               # reading history of one meter
//	fieldsync locations [filter]             # locations with meter counts
//	fieldsync pending                        # readings waiting to be sent
//	fieldsync status                         # show config, store and watermark
//	fieldsync reset [--yes]                  # wipe local data
//	fieldsync version                        # print version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/auth"
	"github.com/njoerd114/fieldsync/internal/capture"
	"github.com/njoerd114/fieldsync/internal/config"
	"github.com/njoerd114/fieldsync/internal/model"
	"github.com/njoerd114/fieldsync/internal/remote"
	"github.com/njoerd114/fieldsync/internal/setup"
	"github.com/njoerd114/fieldsync/internal/state"
	syncp "github.com/njoerd114/fieldsync/internal/sync"
	"github.com/njoerd114/fieldsync/internal/telemetry"
	"github.com/njoerd114/fieldsync/internal/watermark"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func rootCmd() *cobra.Command {
	var g globalFlags
	defaultCfg, _ := config.DefaultPath()

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first meter readings with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", defaultCfg, "path to config.yaml")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		setupCmd(&g),
		syncCmd(&g),
		recordCmd(&g),
		metersCmd(&g),
		meterCmd(&g),
		locationsCmd(&g),
		pendingCmd(&g),
		statusCmd(&g),
		resetCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "fieldsync", version)
			},
		},
	)
	return cmd
}

// --- Subcommands -------------------------------------------------------------

func setupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(slog.LevelWarn)
			ctx, stop := signalContext()
			defer stop()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), g.configPath, logger)
			return wiz.Run(ctx)
		},
	}
}

func syncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes and push pending readings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.prepareStorage(ctx); err != nil {
				return err
			}

			stats, err := a.engine.RunOnce(ctx)
			printStats(cmd, stats)
			return err
		},
	}
}

func recordCmd(g *globalFlags) *cobra.Command {
	var photo string
	cmd := &cobra.Command{
		Use:   "record <meter-id> <value>",
		Short: "Record a reading on this device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("reading value %q is not a number", args[1])
			}

			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			rd, err := a.recorder.RecordReading(cmd.Context(), args[0], value, photo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for meter %s (pending sync)\n", rd.ID, rd.MeterID)
			return nil
		},
	}
	cmd.Flags().StringVar(&photo, "photo", "", "photo of the meter display")
	return cmd
}

func metersCmd(g *globalFlags) *cobra.Command {
	var location, search string
	cmd := &cobra.Command{
		Use:   "meters",
		Short: "List meters and their latest reading",
		Example: `  fieldsync meters
  fieldsync meters --location "Building A"
  fieldsync meters --search boiler`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if location != "" {
				return printLocation(cmd, a.store, location)
			}

			var meters []*model.Meter
			if search != "" {
				meters, err = a.store.SearchMeters(ctx, search)
			} else {
				meters, err = a.store.ListMeters(ctx)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLOCATION\tLAST READING\tTAKEN\t")
			for _, m := range meters {
				last, taken := "-", "-"
				readings, err := a.store.ListReadingsForMeter(ctx, m.ID)
				if err != nil {
					return err
				}
				if len(readings) > 0 {
					last = formatValue(readings[0].Value, m.Unit)
					taken = formatTaken(readings[0])
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", m.ID, m.Name, m.Location, last, taken)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "show the meters of one location")
	cmd.Flags().StringVar(&search, "search", "", "only meters whose name contains this text")
	cmd.MarkFlagsMutuallyExclusive("location", "search")
	return cmd
}

// printLocation lists one location's meters with their last reading time and
// how many readings were taken there today.
func printLocation(cmd *cobra.Command, store *state.Store, location string) error {
	ctx := cmd.Context()
	meters, err := store.ListMetersAt(ctx, location)
	if err != nil {
		return err
	}
	today, err := store.CountReadingsToday(ctx, location, time.Now())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %d meter(s), %d reading(s) today\n\n", location, len(meters), today)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUNIT\tLAST READING AT\t")
	for _, ms := range meters {
		last := "never"
		if ms.LastReadingAt != nil {
			last = ms.LastReadingAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", ms.Meter.ID, ms.Meter.Name, ms.Meter.Unit, last)
	}
	return tw.Flush()
}

func meterCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "meter <meter-id>",
		Short: "Show one meter and its reading history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			m, err := a.store.GetMeter(ctx, args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("meter %q is not on this device; run 'fieldsync sync' first", args[0])
			}
			readings, err := a.store.ListReadingsForMeter(ctx, m.ID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%s)\n", m.Name, m.ID)
			fmt.Fprintf(w, "  Location: %s\n", m.Location)
			fmt.Fprintf(w, "  Energy:   %s, %s\n", m.EnergyName, m.Unit)
			if m.Notes != "" {
				fmt.Fprintf(w, "  Notes:    %s\n", m.Notes)
			}
			fmt.Fprintln(w)

			if len(readings) == 0 {
				fmt.Fprintln(w, "No readings yet.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAKEN\tVALUE\tBY\tPHOTO\t")
			for _, r := range readings {
				photo := "-"
				if r.ImagePath != "" {
					photo = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", formatTaken(r), formatValue(r.Value, m.Unit), r.TechnicianName, photo)
			}
			return tw.Flush()
		},
	}
}

func locationsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "locations [filter]",
		Short: "List meter locations with their meter count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			var filter string
			if len(args) == 1 {
				filter = args[0]
			}
			locs, err := a.store.ListLocations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LOCATION\tMETERS\t")
			for _, l := range locs {
				fmt.Fprintf(tw, "%s\t%d\t\n", l.Location, l.Meters)
			}
			return tw.Flush()
		},
	}
}

func pendingCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List readings waiting to be sent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.store.ListPendingWithMeter(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(w, "Nothing to send.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "READING\tMETER\tVALUE\tTAKEN\tPHOTO\t")
			for _, p := range pending {
				photo := "-"
				if p.Reading.HasLocalImage() {
					photo = "local"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", p.Reading.ID, p.MeterName,
					formatValue(p.Reading.Value, p.Unit), p.Reading.CreatedAt.Local().Format("2006-01-02 15:04"), photo)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%d reading(s) pending. Run 'fieldsync sync' to send them.\n", len(pending))
			return nil
		},
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and local data state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "fieldsync status")
			fmt.Fprintln(w, "────────────────")

			cfg, err := config.Load(g.configPath)
			if err != nil {
				if _, statErr := os.Stat(g.configPath); statErr != nil {
					fmt.Fprintf(w, "  Config:    not found (%s)\n", g.configPath)
					fmt.Fprintln(w, "  Run 'fieldsync setup' to get started.")
					return nil
				}
				fmt.Fprintf(w, "  Config:    %s (invalid: %v)\n", g.configPath, err)
				return nil
			}
			fmt.Fprintf(w, "  Config:    %s\n", g.configPath)
			fmt.Fprintf(w, "  API URL:   %s\n", cfg.APIURL)
			fmt.Fprintf(w, "  Data dir:  %s\n", cfg.DataDir)

			dbPath := state.DBPath(cfg.DataDir)
			info, err := os.Stat(dbPath)
			if err != nil {
				fmt.Fprintf(w, "  Store:     not created yet\n")
				return nil
			}
			fmt.Fprintf(w, "  Store:     %s (%s)\n", dbPath, humanSize(info.Size()))

			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			counts, err := a.store.Counts(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  Meters:    %d\n", counts.Meters)
			fmt.Fprintf(w, "  Readings:  %d (%d pending)\n", counts.Readings, counts.Pending)

			last, err := a.marks.Read(ctx)
			switch {
			case err != nil:
				fmt.Fprintf(w, "  Last sync: unreadable (%v)\n", err)
			case last.IsZero():
				fmt.Fprintf(w, "  Last sync: never\n")
			default:
				fmt.Fprintf(w, "  Last sync: %s\n", last.Local().Format(time.RFC1123))
			}

			if id := a.session.Identity(); id.Name != "" || id.ID != "" {
				fmt.Fprintf(w, "  Signed in: %s %s\n", id.Name, id.ID)
			}
			if exp := a.session.Expiry(); !exp.IsZero() {
				fmt.Fprintf(w, "  Token:     expires %s\n", exp.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func resetCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all local meters, readings, photos and the sync watermark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			counts, err := a.store.Counts(ctx)
			if err != nil {
				return err
			}
			if !yes {
				if counts.Pending > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d reading(s) have not been synced and will be lost.\n", counts.Pending)
				}
				p := setup.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
				if !p.Confirm("Delete all local data?", false) {
					fmt.Fprintln(cmd.OutOrStdout(), "  Aborted.")
					return nil
				}
			}

			if err := a.engine.ResetLocalData(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local data reset. Run 'fieldsync sync' to download meters again.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// --- Wiring ------------------------------------------------------------------

// app holds the components shared by the data commands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *state.Store
	marks    *watermark.FileStore
	session  *auth.Session
	client   *remote.Client
	minio    *assets.MinioUploader
	engine   *syncp.Engine
	recorder *capture.Recorder
	shutdown telemetry.ShutdownFunc
}

// openApp loads the config and wires the store, the backend client and the
// sync engine.
func openApp(g *globalFlags) (*app, error) {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w\n\nRun 'fieldsync setup' to create one", g.configPath, err)
	}
	logger.Debug("config loaded", "api_url", cfg.APIURL, "data_dir", cfg.DataDir)

	a := &app{cfg: cfg, log: logger, shutdown: func(context.Context) error { return nil }}

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Debug("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.shutdown = shutdownTel
		}
	}

	a.store, err = state.Open(state.DBPath(cfg.DataDir))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	a.marks = watermark.NewFileStore(watermark.DefaultPath(cfg.DataDir))

	var refresher auth.Refresher
	if cfg.TokenFile != "" {
		refresher = auth.FileRefresher{Path: cfg.TokenFile}
	}
	a.session = auth.NewSession(cfg.APIToken, refresher)

	a.client, err = remote.NewClient(cfg.APIURL, a.session, logger,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	var uploader assets.Uploader = a.client
	if s := cfg.ObjectStorage; s != nil {
		a.minio, err = assets.NewMinioUploader(assets.MinioConfig{
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Bucket:    s.Bucket,
			UseSSL:    s.UseSSL,
			Region:    s.Region,
			PublicURL: s.PublicURL,
			Prefix:    "readings",
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		uploader = a.minio
	}

	transfer := assets.NewTransfer(uploader, a.client, logger)
	upload := assets.UploadOptions{Width: cfg.Upload.Width, Height: cfg.Upload.Height}
	a.engine = syncp.NewEngine(a.client, a.store, a.marks, transfer, upload, logger,
		syncp.WithLockFile(filepath.Join(cfg.DataDir, "fieldsync.lock")),
	)
	a.recorder = capture.NewRecorder(a.store, a.session, logger)
	return a, nil
}

// prepareStorage makes sure the photo bucket exists before a sync.
func (a *app) prepareStorage(ctx context.Context) error {
	if a.minio == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if err := a.minio.EnsureBucket(callCtx); err != nil {
		return fmt.Errorf("preparing photo bucket: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("closing local store", "error", err)
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(flushCtx); err != nil {
		a.log.Error("telemetry shutdown error", "error", err)
	}
}

// --- Helpers -----------------------------------------------------------------

func newLogger(level slog.Level) *slog.Logger {
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(telemetry.NewLogHandler(text))
	slog.SetDefault(logger)
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// printStats renders the partial-success summary of a sync cycle.
func printStats(cmd *cobra.Command, s syncp.Stats) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Meters:   %d new, %d updated\n", s.MetersInserted, s.MetersUpdated)
	fmt.Fprintf(w, "Readings: %d new, %d updated\n", s.ReadingsInserted, s.ReadingsUpdated)
	if s.ImagesDownloaded > 0 || s.ImageFailures > 0 {
		fmt.Fprintf(w, "Photos:   %d downloaded, %d failed\n", s.ImagesDownloaded, s.ImageFailures)
	}
	if total := s.Synced + s.Failed; total > 0 {
		fmt.Fprintf(w, "Sent:     %d of %d readings\n", s.Synced, total)
	}
	for _, err := range s.Errors {
		fmt.Fprintf(w, "  ! %v\n", err)
	}
	if !s.WatermarkAdvanced && len(s.Errors) > 0 {
		fmt.Fprintln(w, "Some changes were not applied; they will be fetched again next time.")
	}
}

func formatValue(v float64, unit string) string {
	return strings.TrimSpace(strconv.FormatFloat(v, 'f', -1, 64) + " " + unit)
}

func formatTaken(r *model.Reading) string {
	taken := r.CreatedAt.Local().Format("2006-01-02 15:04")
	if r.Pending() {
		taken += " (pending)"
	}
	return taken
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
