package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/internal/config"
	"github.com/InfraSecConsult/dpi-core-go/internal/dpi"
	"github.com/InfraSecConsult/dpi-core-go/internal/logging"
	"github.com/InfraSecConsult/dpi-core-go/internal/parser"
	"github.com/InfraSecConsult/dpi-core-go/internal/pattern"
	"github.com/InfraSecConsult/dpi-core-go/internal/repository"
	"github.com/InfraSecConsult/dpi-core-go/internal/version"
	"github.com/InfraSecConsult/dpi-core-go/lib/helper"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// DependencyProvider allows injection for testability
// (in production, use real implementations)
type DependencyProvider struct {
	Source     parser.PacketSource
	Repository repository.Repository
	Detector   dpi.PatternDetector
	Now        func() time.Time
}

func (p *DependencyProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// newRootCmd wires up the CLI with the given dependencies
func newRootCmd(provider *DependencyProvider) *cobra.Command {
	var (
		configFile string
		cfg        config.Config
		logCloser  io.Closer
	)
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "dpi",
		Short:         "DPI - Classify application protocols in packet captures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			var err error
			cfg, err = config.Load(v, configFile)
			if err != nil {
				return err
			}
			logCloser, err = logging.SetupGlobal(cfg.Log, cmd.ErrOrStderr())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML, JSON or TOML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated by size")

	rootCmd.AddCommand(
		newInspectCmd(provider, &cfg),
		newSignaturesCmd(&cfg),
		newVersionCmd(),
	)
	return rootCmd
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-file":    "log.file",
	"max-rate":    "dpi.max_deep_inspect_per_second",
	"cache-size":  "dpi.cache_size",
	"min-payload": "dpi.min_payload_length",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

func newInspectCmd(provider *DependencyProvider, cfg *config.Config) *cobra.Command {
	var (
		dbPath         string
		outputFormat   string
		metricsAddr    string
		noPattern      bool
		wallClock      bool
		errorThreshold int
		suggestLength  int
	)

	cmd := &cobra.Command{
		Use:   "inspect <pcap-file>",
		Short: "Classify every TCP and UDP packet of a capture and report the results",
		Long: `Classify every TCP and UDP packet of a capture and report the results.

The deep-inspection rate limit is applied in capture time: packets are
admitted per second of packet timestamps, so repeated runs over the same
file give the same result. Use --wall-clock to limit by processing time.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validFormat(outputFormat) {
				return fmt.Errorf("unknown output format %q", outputFormat)
			}
			pcapFile := args[0]

			clock := &parser.CaptureClock{}
			opts := []dpi.Option{dpi.WithLogger(log.Logger)}
			if !wallClock {
				opts = append(opts, dpi.WithClock(clock.Now))
			}
			if !noPattern {
				detector := provider.Detector
				if detector == nil {
					analyzer, err := pattern.NewAnalyzer()
					if err != nil {
						return err
					}
					detector = analyzer
				}
				opts = append(opts, dpi.WithPatternDetector(detector))
			}
			svc, err := dpi.New(cfg.DPI, opts...)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, svc)
				defer stop()
			}

			source := provider.Source
			if source == nil {
				errorHandler := parser.NewDefaultErrorHandler(nil)
				errorHandler.SetErrorThreshold(errorThreshold)
				source = parser.NewGopacketSource(pcapFile, errorHandler)
			}

			ports := classifier.NewPortBasedClassifier()
			flows := parser.NewDefaultFlowManager(helper.NewFlowCanonicalizer(ports.IsServicePort))
			if !wallClock {
				source = parser.WithCaptureClock(source, clock)
			}
			inspector := parser.NewInspector(source, svc, flows, nil)

			run := &model.InspectionRun{ID: uuid.NewString(), Source: pcapFile, StartedAt: provider.now()}
			log.Info().Str("run_id", run.ID).Msgf("inspecting %s", pcapFile)

			summary, err := inspector.Run(cmd.Context())
			if err != nil {
				return err
			}
			run.FinishedAt = provider.now()
			run.Packets = summary.Packets
			run.Stats = svc.Stats()

			report := &Report{
				RunID:       run.ID,
				Source:      pcapFile,
				Summary:     summary,
				Stats:       run.Stats,
				Breakdown:   svc.ProtocolBreakdown(),
				Services:    inspector.Services(),
				Suggestions: svc.SuggestSignatures(suggestLength),
			}
			if err := writeReport(cmd.OutOrStdout(), report, outputFormat); err != nil {
				return err
			}

			repo := provider.Repository
			if repo == nil && dbPath != "" {
				repo, err = repository.NewSQLiteRepository(dbPath)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
			}
			if repo == nil {
				return nil
			}
			if err := persist(repo, run, inspector, report.Breakdown); err != nil {
				repo.Close()
				return err
			}
			log.Info().Str("run_id", run.ID).Msgf("stored %d flows in database", len(inspector.Flows()))
			return repo.Close()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Store results in this SQLite database")
	cmd.Flags().StringVar(&outputFormat, "format", "table", "Output format: table, json, csv")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while inspecting")
	cmd.Flags().BoolVar(&noPattern, "no-pattern", false, "Disable escalation to the pattern analyzer")
	cmd.Flags().BoolVar(&wallClock, "wall-clock", false, "Apply the rate limit in processing time instead of capture time")
	cmd.Flags().IntVar(&errorThreshold, "error-threshold", parser.DefaultErrorThreshold, "Stop after this many undecodable packets (0 disables)")
	cmd.Flags().IntVar(&suggestLength, "suggest-length", classifier.DefaultSuggestMinLength, "Minimum prefix length for signature suggestions")
	cmd.Flags().Int("max-rate", config.DefaultDPIConfig().MaxDeepInspectPerSecond, "Maximum payloads deeply inspected per second")
	cmd.Flags().Int("cache-size", config.DefaultDPIConfig().CacheSize, "Number of cached verdicts")
	cmd.Flags().Int("min-payload", config.DefaultDPIConfig().MinPayloadLength, "Minimum payload length for non-priority transports")
	return cmd
}

func persist(repo repository.Repository, run *model.InspectionRun, inspector *parser.Inspector, breakdown []model.ProtocolShare) error {
	if err := repo.CreateRun(run); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	if err := repo.AddFlows(run.ID, inspector.Flows()); err != nil {
		return fmt.Errorf("failed to store flows: %w", err)
	}
	if err := repo.AddServices(run.ID, inspector.Services()); err != nil {
		return fmt.Errorf("failed to store services: %w", err)
	}
	if err := repo.AddProtocolBreakdown(run.ID, breakdown); err != nil {
		return fmt.Errorf("failed to store protocol breakdown: %w", err)
	}
	return repo.FinishRun(run)
}

func serveMetrics(addr string, svc *dpi.Service) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(dpi.NewCollector(svc))

	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msgf("metrics server on %s failed", addr)
		}
	}()
	log.Info().Msgf("serving metrics on http://%s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newSignaturesCmd(cfg *config.Config) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "List the payload signatures in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validFormat(outputFormat) {
				return fmt.Errorf("unknown output format %q", outputFormat)
			}
			svc, err := dpi.New(cfg.DPI, dpi.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			return writeSignatures(cmd.OutOrStdout(), svc.Signatures(), outputFormat)
		},
	}
	cmd.Flags().StringVar(&outputFormat, "format", "table", "Output format: table, json, csv")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.GetBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "dpi %s\n", version.GetFullVersion())
			if info["buildTime"] != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", info["buildTime"])
			}
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	provider := &DependencyProvider{}
	if err := newRootCmd(provider).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
