package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoHealthyProxy is returned when every endpoint is Banned
	ErrNoHealthyProxy = errors.New("no healthy proxy available")
	// ErrUnknownEndpoint is returned for addresses that were never registered
	ErrUnknownEndpoint = errors.New("unknown proxy endpoint")
)

type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Weighted   Strategy = "weighted"
)

// Prober performs a lightweight connectivity check through one proxy
type Prober interface {
	Probe(ctx context.Context, addr Address) error
}

type Options struct {
	Strategy            Strategy
	MaxFailures         int
	MinSampleSize       int64
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	ProbeConcurrency    int
	Now                 func() time.Time
}

// Endpoint is a copy of one proxy's identity and health state
type Endpoint struct {
	Address             Address
	State               types.EndpointState
	ConsecutiveFailures int
	LastCheckedAt       time.Time
	LastUsedAt          time.Time
	TotalUses           int64
	TotalFailures       int64
}

// SuccessRatio is 1 - totalFailures/totalUses, or 1 with no traffic yet
func (e Endpoint) SuccessRatio() float64 {
	if e.TotalUses == 0 {
		return 1
	}
	return 1 - float64(e.TotalFailures)/float64(e.TotalUses)
}

func (e Endpoint) Stats() types.EndpointStats {
	return types.EndpointStats{
		Address:             e.Address.Redacted(),
		State:               e.State,
		ConsecutiveFailures: e.ConsecutiveFailures,
		TotalUses:           e.TotalUses,
		TotalFailures:       e.TotalFailures,
		SuccessRatio:        e.SuccessRatio(),
		LastCheckedAt:       e.LastCheckedAt,
		LastUsedAt:          e.LastUsedAt,
	}
}

// Transition is published for every endpoint state change
type Transition struct {
	// Address is redacted for logs; Proxy is the full registered address
	Address string
	Proxy   Address
	From    types.EndpointState
	To      types.EndpointState
	Reason  string
}

type endpoint struct {
	Endpoint
	order    int
	checking bool
}

// Pool owns every ProxyEndpoint. All mutation happens under mu.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	index     map[string]*endpoint
	cursor    int

	opts     Options
	prober   Prober
	observer func(Transition)
}

func NewPool(addrs []Address, prober Prober, opts Options) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("proxy pool needs at least one endpoint")
	}
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.Strategy != RoundRobin && opts.Strategy != Weighted {
		return nil, fmt.Errorf("unknown rotation strategy %q", opts.Strategy)
	}
	if opts.MaxFailures < 1 {
		return nil, fmt.Errorf("max failures per proxy must be at least 1")
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		endpoints: make([]*endpoint, 0, len(addrs)),
		index:     make(map[string]*endpoint, len(addrs)),
		opts:      opts,
		prober:    prober,
	}

	for i, addr := range addrs {
		key := addr.String()
		if _, dup := p.index[key]; dup {
			return nil, &AddressError{Input: key, Reason: "duplicate endpoint"}
		}
		e := &endpoint{
			Endpoint: Endpoint{Address: addr, State: types.StateHealthy},
			order:    i,
		}
		p.endpoints = append(p.endpoints, e)
		p.index[key] = e
	}

	log.Infof("Proxy pool initialized: %d endpoints, strategy=%s, max_failures=%d",
		len(p.endpoints), opts.Strategy, opts.MaxFailures)

	return p, nil
}

// SetObserver registers a callback for state transitions. It is invoked outside the pool lock.
func (p *Pool) SetObserver(fn func(Transition)) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

// Select returns an eligible endpoint. Endpoints in avoid are skipped unless
// nothing else is eligible.
func (p *Pool) Select(avoid ...Address) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	skip := make(map[string]bool, len(avoid))
	for _, a := range avoid {
		skip[a.String()] = true
	}

	eligible := 0
	preferred := 0
	for _, e := range p.endpoints {
		if e.State == types.StateBanned {
			continue
		}
		eligible++
		if !skip[e.Address.String()] {
			preferred++
		}
	}
	if eligible == 0 {
		return Endpoint{}, ErrNoHealthyProxy
	}
	if preferred == 0 {
		skip = nil
	}

	candidate := func(e *endpoint) bool {
		return e.State != types.StateBanned && !skip[e.Address.String()]
	}

	var picked *endpoint
	switch p.opts.Strategy {
	case Weighted:
		picked = p.pickWeighted(candidate)
	default:
		picked = p.pickRoundRobin(candidate)
	}

	picked.LastUsedAt = p.opts.Now()
	return picked.Endpoint, nil
}

func (p *Pool) pickRoundRobin(candidate func(*endpoint) bool) *endpoint {
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if e := p.endpoints[idx]; candidate(e) {
			p.cursor = (idx + 1) % n
			return e
		}
	}
	return nil
}

func (p *Pool) pickWeighted(candidate func(*endpoint) bool) *endpoint {
	ranked := make([]*endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if candidate(e) {
			ranked = append(ranked, e)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		// Healthy before Degraded
		if a.State != b.State {
			return a.State == types.StateHealthy
		}
		sa, sb := p.score(a), p.score(b)
		if sa != sb {
			return sa > sb
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.order < b.order
	})

	return ranked[0]
}

// score is the recent success ratio; endpoints under the sample floor score as perfect.
func (p *Pool) score(e *endpoint) float64 {
	if e.TotalUses < p.opts.MinSampleSize || e.TotalUses == 0 {
		return 1
	}
	return e.SuccessRatio()
}

// ReportOutcome records the result of one attempt through addr. Every call counts
// as one use; only proxy-level failures move the health state toward Banned.
func (p *Pool) ReportOutcome(addr Address, success bool, kind types.FailureKind) error {
	p.mu.Lock()
	e, ok := p.index[addr.String()]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("report outcome for %s: %w", addr.Redacted(), ErrUnknownEndpoint)
	}

	e.TotalUses++
	var changes []Transition
	if success {
		changes = p.applySuccess(e, "request succeeded")
	} else {
		e.TotalFailures++
		if kind.ProxyLevel() {
			changes = p.applyFailure(e, "request failed: "+string(kind))
		}
	}
	observer := p.observer
	p.mu.Unlock()

	p.publish(observer, changes)
	return nil
}

// applySuccess must be called with mu held
func (p *Pool) applySuccess(e *endpoint, reason string) []Transition {
	e.ConsecutiveFailures = 0
	switch e.State {
	case types.StateDegraded:
		return []Transition{p.transition(e, types.StateHealthy, reason)}
	case types.StateBanned:
		return []Transition{p.transition(e, types.StateDegraded, reason)}
	}
	return nil
}

// applyFailure must be called with mu held
func (p *Pool) applyFailure(e *endpoint, reason string) []Transition {
	e.ConsecutiveFailures++

	var changes []Transition
	if e.State == types.StateHealthy {
		changes = append(changes, p.transition(e, types.StateDegraded, reason))
	}
	if e.State == types.StateDegraded && e.ConsecutiveFailures >= p.opts.MaxFailures {
		changes = append(changes, p.transition(e, types.StateBanned, reason))
	}
	return changes
}

func (p *Pool) transition(e *endpoint, to types.EndpointState, reason string) Transition {
	t := Transition{
		Address: e.Address.Redacted(),
		Proxy:   e.Address,
		From:    e.State,
		To:      to,
		Reason:  reason,
	}
	e.State = to
	return t
}

func (p *Pool) publish(observer func(Transition), changes []Transition) {
	for _, t := range changes {
		entry := log.WithFields(log.Fields{
			"address": t.Address,
			"from":    t.From,
			"to":      t.To,
			"reason":  t.Reason,
		})
		if t.To == types.StateBanned {
			entry.Warn("Proxy endpoint banned")
		} else {
			entry.Info("Proxy endpoint state changed")
		}
		if observer != nil {
			observer(t)
		}
	}
}

// RunHealthCheck probes one endpoint outside the lock and applies the result.
// It returns true when the probe succeeded.
func (p *Pool) RunHealthCheck(ctx context.Context, addr Address) bool {
	p.mu.Lock()
	e, ok := p.index[addr.String()]
	if !ok || e.checking || p.prober == nil {
		p.mu.Unlock()
		return false
	}
	e.checking = true
	target := e.Address
	p.mu.Unlock()

	probeCtx := ctx
	if p.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.opts.ProbeTimeout)
		defer cancel()
	}
	err := p.prober.Probe(probeCtx, target)

	p.mu.Lock()
	e.checking = false
	if err != nil && ctx.Err() != nil {
		// Shutdown is not evidence against the proxy.
		p.mu.Unlock()
		return false
	}
	e.LastCheckedAt = p.opts.Now()

	var changes []Transition
	if err == nil {
		if e.State == types.StateBanned {
			e.ConsecutiveFailures = 0
			changes = []Transition{p.transition(e, types.StateDegraded, "health check passed")}
		}
	} else {
		log.WithFields(log.Fields{
			"address": target.Redacted(),
			"state":   e.State,
		}).Debugf("Health check failed: %v", err)
		if e.State == types.StateBanned {
			e.ConsecutiveFailures++
		} else {
			changes = p.applyFailure(e, "health check failed")
		}
	}
	observer := p.observer
	p.mu.Unlock()

	p.publish(observer, changes)
	return err == nil
}

// CheckUnhealthy probes every Degraded or Banned endpoint once
func (p *Pool) CheckUnhealthy(ctx context.Context) (checked, passed int) {
	p.mu.Lock()
	due := make([]Address, 0)
	for _, e := range p.endpoints {
		if e.State != types.StateHealthy && !e.checking {
			due = append(due, e.Address)
		}
	}
	p.mu.Unlock()

	if len(due) == 0 {
		return 0, 0
	}

	sem := make(chan struct{}, p.opts.ProbeConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, addr := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return checked, passed
		}
		wg.Add(1)

		go func(a Address) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := p.RunHealthCheck(ctx, a)

			mu.Lock()
			checked++
			if ok {
				passed++
			}
			mu.Unlock()
		}(addr)
	}

	wg.Wait()
	return checked, passed
}

// RunHealthChecks checks unhealthy endpoints every HealthCheckInterval until ctx is done
func (p *Pool) RunHealthChecks(ctx context.Context) {
	if p.prober == nil || p.opts.HealthCheckInterval <= 0 {
		log.Warn("Proxy health checks disabled")
		return
	}

	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Health check loop stopped")
			return
		case <-ticker.C:
			checked, passed := p.CheckUnhealthy(ctx)
			if checked > 0 {
				log.Infof("Health check cycle: %d/%d unhealthy endpoints passed", passed, checked)
			}
		}
	}
}

// Readmit manually clears a ban, moving the endpoint to Degraded
func (p *Pool) Readmit(addr Address) (bool, error) {
	p.mu.Lock()
	e, ok := p.index[addr.String()]
	if !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("readmit %s: %w", addr.Redacted(), ErrUnknownEndpoint)
	}
	if e.State != types.StateBanned {
		p.mu.Unlock()
		return false, nil
	}
	e.ConsecutiveFailures = 0
	changes := []Transition{p.transition(e, types.StateDegraded, "manual re-admission")}
	observer := p.observer
	p.mu.Unlock()

	p.publish(observer, changes)
	return true, nil
}

// Lookup resolves a (possibly credential-less) address to the registered endpoint
func (p *Pool) Lookup(hostPort string) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.endpoints {
		if e.Address.HostPort() == hostPort || e.Address.String() == hostPort || e.Address.Redacted() == hostPort {
			return e.Endpoint, true
		}
	}
	return Endpoint{}, false
}

// Get returns a copy of the endpoint registered for addr
func (p *Pool) Get(addr Address) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.index[addr.String()]
	if !ok {
		return Endpoint{}, false
	}
	return e.Endpoint, true
}

// Eligible reports whether addr is currently selectable
func (p *Pool) Eligible(addr Address) bool {
	ep, ok := p.Get(addr)
	return ok && ep.State != types.StateBanned
}

// Endpoints returns stats for every endpoint in registration order
func (p *Pool) Endpoints() []types.EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]types.EndpointStats, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		stats = append(stats, e.Endpoint.Stats())
	}
	return stats
}

// StateCounts returns the number of endpoints per state
func (p *Pool) StateCounts() map[types.EndpointState]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[types.EndpointState]int{
		types.StateHealthy:  0,
		types.StateDegraded: 0,
		types.StateBanned:   0,
	}
	for _, e := range p.endpoints {
		counts[e.State]++
	}
	return counts
}
