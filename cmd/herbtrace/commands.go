package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"herbtrace/internal/adapters/export"
	"herbtrace/internal/adapters/httpapi"
	"herbtrace/internal/core"
	"herbtrace/internal/platform/config"
	"herbtrace/internal/platform/logging"
	"herbtrace/internal/rules"
	"herbtrace/pkg/domain"
)

const shutdownTimeout = 10 * time.Second

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "herbtrace",
		Short:         "Botanical chain-of-custody ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCommand(),
		submitCommand(),
		provenanceCommand(),
		lookupCommand(),
		verifyCommand(),
		exportCommand(),
		rulesCommand(),
		conservationCommand(),
	)
	return root
}

// session is a runtime opened from the environment for one command.
type session struct {
	cfg    config.Config
	logger *zap.Logger
	rt     *core.Runtime
}

func openSession(ctx context.Context, opts ...core.Option) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	base := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLoggingAuditRecorder(logger.Named("audit"))),
	}
	rt, err := core.Open(ctx, cfg, append(base, opts...)...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, rt: rt}, nil
}

func (s *session) Close() {
	if err := s.rt.Close(); err != nil {
		s.logger.Warn("close store", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := core.NewPrometheusMetricsRecorder(reg)
			if err != nil {
				return err
			}
			s, err := openSession(ctx, core.WithMetricsRecorder(metrics), core.WithTracer(core.NewOTelTracer(nil)))
			if err != nil {
				return err
			}
			defer s.Close()

			worker := export.NewWorker(s.rt.Service, s.rt.Blobs,
				export.WithLogger(s.logger.Named("export")),
				export.WithAuditRecorder(core.NewLoggingAuditRecorder(s.logger.Named("audit"))),
			)
			worker.Start()

			handler := httpapi.NewHandler(s.rt.Service)
			handler.Exports = worker
			handler.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			handler.Logger = s.logger.Named("http")

			srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
			errs := make(chan error, 1)
			go func() { errs <- srv.ListenAndServe() }()
			s.logger.Info("listening", zap.String("addr", s.cfg.HTTPAddr), zap.String("storage", s.rt.Service.Store().Driver()))

			select {
			case err = <-errs:
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				s.logger.Warn("http shutdown", zap.Error(shutdownErr))
			}
			if stopErr := worker.Stop(shutdownCtx); stopErr != nil {
				s.logger.Warn("export worker stop", zap.Error(stopErr))
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func submitCommand() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a custody event read from a JSON file (- for stdin)",
	}
	cmd.PersistentFlags().StringVar(&org, "org", "", "submitting organization id")

	read := func(cmd *cobra.Command, path string, into any) error {
		var r io.Reader = cmd.InOrStdin()
		if path != "-" {
			// #nosec G304 -- operator-supplied event file
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			r = f
		}
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(into); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	withSession := func(cmd *cobra.Command, fn func(context.Context, *core.Service) (any, error)) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if org != "" {
			ctx = core.WithOrganization(ctx, org)
		}
		out, err := fn(ctx, s.rt.Service)
		var rejected domain.ValidationError
		if errors.As(err, &rejected) {
			_ = printJSON(cmd.OutOrStdout(), rejected.Result)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "collection <file>",
			Short: "Validate and record a collection event",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var event domain.CollectionEvent
				if err := read(cmd, args[0], &event); err != nil {
					return err
				}
				return withSession(cmd, func(ctx context.Context, svc *core.Service) (any, error) {
					recorded, res, err := svc.SubmitCollectionEvent(ctx, event)
					return map[string]any{"event": recorded, "validation": res}, err
				})
			},
		},
		&cobra.Command{
			Use:   "processing <file>",
			Short: "Record a processing step",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var step domain.ProcessingStep
				if err := read(cmd, args[0], &step); err != nil {
					return err
				}
				return withSession(cmd, func(ctx context.Context, svc *core.Service) (any, error) {
					entry, err := svc.RecordProcessingStep(ctx, step)
					return map[string]any{"transaction": entry}, err
				})
			},
		},
		&cobra.Command{
			Use:   "quality <file>",
			Short: "Record a laboratory quality test",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var test domain.QualityTest
				if err := read(cmd, args[0], &test); err != nil {
					return err
				}
				return withSession(cmd, func(ctx context.Context, svc *core.Service) (any, error) {
					recorded, entry, err := svc.RecordQualityTest(ctx, test)
					return map[string]any{"test": recorded, "transaction": entry}, err
				})
			},
		},
	)
	return cmd
}

func provenanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provenance <batch> [batch...]",
		Short: "Build provenance documents for batches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) == 1 {
				doc, err := s.rt.Service.BuildProvenance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			}
			docs, err := s.rt.Service.BuildProvenances(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func lookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <product-code>",
		Short: "Resolve a product code to its provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			lookup, err := s.rt.Service.FindByProductCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lookup)
		},
	}
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every ledger hash and signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			status, err := s.rt.Service.VerifyLedger(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func exportCommand() *cobra.Command {
	var (
		from        uint64
		requestedBy string
		reason      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a ledger audit export to the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			worker := export.NewWorker(s.rt.Service, s.rt.Blobs,
				export.WithLogger(s.logger.Named("export")),
				export.WithAuditRecorder(core.NewLoggingAuditRecorder(s.logger.Named("audit"))),
			)
			record, err := worker.Run(cmd.Context(), export.Input{RequestedBy: requestedBy, Reason: reason, From: from})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first ledger height to export")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "operator", "requester recorded on the export")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the export")
	return cmd
}

func rulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rules [species]",
		Short: "List registered rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			registry, err := core.LoadRegistry(cfg)
			if err != nil {
				return err
			}
			ruleSet := registry.Rules()
			if len(args) == 1 {
				ruleSet = registry.RulesFor(args[0])
			}
			docs := make([]rules.Document, 0, len(ruleSet))
			for _, rule := range ruleSet {
				doc, err := rules.ToDocument(rule)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func conservationCommand() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "conservation <species> <zone>",
		Short: "Report harvest usage against conservation limits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = parsed
			}
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			status, err := s.rt.Service.ConservationStatus(cmd.Context(), args[0], args[1], when)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 instant (default now)")
	return cmd
}
