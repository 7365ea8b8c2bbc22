package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stealth-dispatcher/internal/aggregator"
	"github.com/stealth-dispatcher/internal/api"
	"github.com/stealth-dispatcher/internal/checker"
	"github.com/stealth-dispatcher/internal/config"
	"github.com/stealth-dispatcher/internal/dispatcher"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/storage"
	"github.com/stealth-dispatcher/internal/tokens"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type configLoader func() (*config.Config, error)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run health checks and the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log.Infof("Starting stealthd v%s", version)

			ctx, cancel := signalContext()
			defer cancel()

			a, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.pool.RunHealthChecks(ctx)
			go a.runStatsLoop(ctx, 15*time.Second)

			server := api.NewServer(cfg, api.Deps{
				Pool:        a.pool,
				Credentials: a.store,
				Dispatcher:  a.dispatcher,
				Snapshot:    a.snapshot,
				Metrics:     a.metrics,
			})
			serveErr := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			log.Infof("Service started on %s", cfg.API.Addr)

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				return fmt.Errorf("api server: %w", err)
			}

			log.Info("Shutting down gracefully...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Errorf("API server shutdown error: %v", err)
			}
			log.Info("Shutdown complete")
			return nil
		},
	}
}

type runResult struct {
	URL           string `json:"url"`
	StatusCode    int    `json:"status_code,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	CredentialSet string `json:"credential_set,omitempty"`
	LatencyMs     int64  `json:"latency_ms,omitempty"`
	Bytes         int    `json:"bytes,omitempty"`
	Error         string `json:"error,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

func newRunCmd(load configLoader) *cobra.Command {
	var (
		targetsPath     string
		workers         int
		saveCredentials bool
	)

	cmd := &cobra.Command{
		Use:   "run --targets <file>",
		Short: "Dispatch every URL in a file and print one JSON result per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			specs, err := readTargets(targetsPath)
			if err != nil {
				return err
			}
			if workers < 1 {
				workers = cfg.Dispatcher.Workers
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.pool.RunHealthChecks(ctx)

			results := a.dispatcher.RunBatch(ctx, specs, workers)

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, r := range results {
				out := runResult{URL: r.Spec.URL}
				if r.Err != nil {
					failed++
					out.Error = r.Err.Error()
					var de *dispatcher.DispatchError
					if errors.As(r.Err, &de) {
						out.Kind = string(de.Kind)
						out.Attempts = de.Attempts
						out.StatusCode = de.StatusCode
					}
				} else {
					out.StatusCode = r.Response.StatusCode
					out.Attempts = r.Response.Attempts
					out.Endpoint = r.Response.Endpoint
					out.CredentialSet = r.Response.CredentialSet
					out.LatencyMs = r.Response.Latency.Milliseconds()
					out.Bytes = len(r.Response.Body)
				}
				if err := enc.Encode(out); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}

			if saveCredentials && cfg.Credentials.File != "" {
				if err := tokens.SaveFile(cfg.Credentials.File, a.store.Sets()); err != nil {
					log.Errorf("Failed to save credentials: %v", err)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetsPath, "targets", "t", "", "file with one URL per line")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent workers (default dispatcher.workers)")
	cmd.Flags().BoolVar(&saveCredentials, "save-credentials", false, "write credentials still valid after the run back to the token file")
	_ = cmd.MarkFlagRequired("targets")

	return cmd
}

// readTargets reads one URL per line; blank lines and # comments are skipped
func readTargets(path string) ([]dispatcher.RequestSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets: %w", err)
	}
	defer f.Close()

	var specs []dispatcher.RequestSpec
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		specs = append(specs, dispatcher.RequestSpec{Method: http.MethodGet, URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no targets in %s", path)
	}
	return specs, nil
}

func newProbeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probe every configured proxy once and print the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			m := metrics.NewCollector(cfg.Metrics.Namespace)
			addrs, _, err := aggregator.NewAggregator(cfg.ProxyConfiguration, m).Aggregate(ctx)
			if err != nil {
				return fmt.Errorf("load proxies: %w", err)
			}

			chk := checker.NewChecker(cfg.ProxyConfiguration, m)
			results := chk.ProbeAll(ctx, addrs, cfg.ProxyConfiguration.ProbeConcurrency)

			enc := json.NewEncoder(cmd.OutOrStdout())
			alive := 0
			for _, r := range results {
				if r.Alive {
					alive++
				}
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			log.Infof("Probe complete: %d/%d alive", alive, len(results))
			return nil
		},
	}
}

func newReportCmd(load configLoader) *cobra.Command {
	var (
		attempts  int
		requestID string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the last persisted snapshot, or one request's audited attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("initialize storage: %w", err)
			}
			defer store.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if requestID != "" {
				audit, ok := store.(storage.AttemptLog)
				if !ok {
					return fmt.Errorf("%s storage keeps no attempt audit log", cfg.Storage.Type)
				}
				records, err := audit.AttemptsFor(requestID)
				if err != nil {
					return fmt.Errorf("read attempts: %w", err)
				}
				if len(records) == 0 {
					return fmt.Errorf("no attempts recorded for request %s", requestID)
				}
				return enc.Encode(records)
			}

			snap, err := store.Load()
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			if snap == nil {
				return fmt.Errorf("no snapshot saved in %s storage", cfg.Storage.Type)
			}
			if attempts >= 0 && len(snap.Attempts) > attempts {
				snap.Attempts = snap.Attempts[len(snap.Attempts)-attempts:]
			}
			return enc.Encode(snap)
		},
	}

	cmd.Flags().IntVar(&attempts, "attempts", 20, "most recent attempt records to include (-1 for all)")
	cmd.Flags().StringVar(&requestID, "request", "", "print the audited attempts of one request ID instead of the snapshot")
	return cmd
}
