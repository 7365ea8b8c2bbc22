package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/stealth-dispatcher/internal/aggregator"
	"github.com/stealth-dispatcher/internal/checker"
	"github.com/stealth-dispatcher/internal/config"
	"github.com/stealth-dispatcher/internal/dispatcher"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/proxypool"
	"github.com/stealth-dispatcher/internal/scheduler"
	"github.com/stealth-dispatcher/internal/snapshot"
	"github.com/stealth-dispatcher/internal/storage"
	"github.com/stealth-dispatcher/internal/tokens"
	"github.com/stealth-dispatcher/internal/transport"
	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

type app struct {
	cfg        *config.Config
	metrics    *metrics.Collector
	pool       *proxypool.Pool
	checker    *checker.Checker
	store      *tokens.Store
	scheduler  *scheduler.Scheduler
	transport  *transport.Client
	dispatcher *dispatcher.Dispatcher
	snapshot   *snapshot.Manager
	storage    storage.Storage
}

// wireApp builds every component from cfg and connects their observers
func wireApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.metrics = metrics.NewCollector(cfg.Metrics.Namespace)

	agg := aggregator.NewAggregator(cfg.ProxyConfiguration, a.metrics)
	addrs, sourceStats, err := agg.Aggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	log.Infof("Loaded %d proxies from %d sources", len(addrs), len(sourceStats))

	pc := cfg.ProxyConfiguration
	a.checker = checker.NewChecker(pc, a.metrics)
	a.pool, err = proxypool.NewPool(addrs, a.checker, proxypool.Options{
		Strategy:            proxypool.Strategy(pc.RotationStrategy),
		MaxFailures:         pc.MaxFailuresPerProxy,
		MinSampleSize:       int64(pc.MinSampleSize),
		HealthCheckInterval: pc.HealthCheckIntervalDuration(),
		ProbeTimeout:        pc.ProbeTimeout(),
		ProbeConcurrency:    pc.ProbeConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("create proxy pool: %w", err)
	}

	if a.store, err = loadCredentials(cfg.Credentials); err != nil {
		return nil, err
	}
	a.store.SetObserver(func(ch tokens.Change) {
		a.metrics.RecordCredentialChange(string(ch.To))
		a.metrics.SetUsableCredentialSets(a.store.Usable())
	})
	a.metrics.SetUsableCredentialSets(a.store.Usable())

	st := cfg.Stealth
	a.scheduler, err = scheduler.New(scheduler.Config{
		RequestsPerHour:    cfg.RateLimits.RequestsPerHour,
		RequestsPerSession: cfg.RateLimits.RequestsPerSession,
		SessionDuration:    cfg.RateLimits.SessionDuration(),
		Delays: scheduler.Delays{
			MinDelay:       st.MinDelayDuration(),
			MaxDelay:       st.MaxDelayDuration(),
			ThinkingChance: st.ThinkingPauseChance,
			ThinkingMin:    st.ThinkingMinDuration(),
			ThinkingMax:    st.ThinkingMaxDuration(),
			BurstDelay:     st.BurstDelayDuration(),
			BurstThreshold: st.BurstThreshold,
			Jitter:         st.DelayJitter,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	a.transport, err = transport.New(transport.Options{
		ClientProfile: cfg.Dispatcher.ClientProfile,
		Timeout:       cfg.Dispatcher.RequestTimeout(),
		Headers:       transport.NewHeaderBuilder(st.RandomizeUserAgents, time.Now().UnixNano()),
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	a.pool.SetObserver(a.onTransition)
	a.metrics.SetProxyStates(a.pool.StateCounts())

	a.dispatcher, err = dispatcher.New(a.pool, a.store, a.scheduler, a.transport, dispatcher.Options{
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		RequestTimeout: cfg.Dispatcher.RequestTimeout(),
		SlotTimeout:    cfg.Dispatcher.SlotTimeout(),
		Metrics:        a.metrics,
	})
	if err != nil {
		a.transport.Close()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	a.storage, err = storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		a.transport.Close()
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	a.snapshot = snapshot.NewManager(a.storage, cfg.Storage.PersistIntervalSeconds)
	if _, err := a.snapshot.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load existing snapshot: %v (starting fresh)", err)
	}
	a.snapshot.Attach(a.pool, a.store, a.scheduler)
	a.dispatcher.SetRecorder(a.snapshot.Record)

	return a, nil
}

// onTransition feeds endpoint state changes to metrics. A banned proxy's
// cached TLS client is dropped so a re-admitted proxy starts on fresh connections.
func (a *app) onTransition(tr proxypool.Transition) {
	a.metrics.RecordTransition(tr.From, tr.To)
	a.metrics.SetProxyStates(a.pool.StateCounts())
	if tr.To == types.StateBanned && a.transport != nil {
		a.transport.Forget(tr.Proxy)
	}
}

// loadCredentials builds the store from the token file. A missing file leaves
// the store empty so requests fail closed until credentials are supplied.
func loadCredentials(cfg config.CredentialsConfig) (*tokens.Store, error) {
	primary, err := tokens.ParseKind(cfg.PrimaryKind)
	if err != nil {
		return nil, fmt.Errorf("credentials.primary_kind: %w", err)
	}
	store := tokens.NewStore(tokens.Options{PrimaryKind: primary, MaxAge: cfg.MaxAge()})

	if cfg.File == "" {
		return store, nil
	}
	sets, extractedAt, err := tokens.LoadFile(cfg.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warnf("Token file %s not found, starting without credentials", cfg.File)
			return store, nil
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if extractedAt.IsZero() {
		extractedAt = time.Now()
	}
	for i, values := range sets {
		if _, err := store.SupplyAt(values, extractedAt); err != nil {
			return nil, fmt.Errorf("credential set %d: %w", i+1, err)
		}
	}
	log.Infof("Loaded %d credential sets from %s", len(sets), cfg.File)
	return store, nil
}

// runStatsLoop refreshes gauges that are not driven by events
func (a *app) runStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.SetSchedulerStats(a.scheduler.Stats())
			a.metrics.SetProxyStates(a.pool.StateCounts())
			a.metrics.SetUsableCredentialSets(a.store.Usable())
		}
	}
}

func (a *app) Close() {
	a.snapshot.Close()
	a.transport.Close()
	if err := a.storage.Close(); err != nil {
		log.Errorf("Failed to close storage: %v", err)
	}
}
