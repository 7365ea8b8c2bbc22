package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/proxypool"
	"github.com/stealth-dispatcher/internal/scheduler"
	"github.com/stealth-dispatcher/internal/tokens"
	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

var errTransportNoResponse = errors.New("transport returned no response")

type RequestSpec struct {
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

type Response struct {
	StatusCode    int           `json:"status_code"`
	Header        http.Header   `json:"header,omitempty"`
	Body          []byte        `json:"body,omitempty"`
	Latency       time.Duration `json:"latency"`
	Endpoint      string        `json:"endpoint,omitempty"`
	CredentialSet string        `json:"credential_set,omitempty"`
	Attempts      int           `json:"attempts"`
}

// Attempt is one try of a request through one endpoint with one credential set
type Attempt struct {
	RequestID string
	Number    int
	Spec      RequestSpec
	Proxy     proxypool.Address
	Cookies   map[string]string
}

// Transport performs one attempt. Errors are read as proxy connection
// failures; a returned *StatusError is classified by its status code.
type Transport interface {
	Do(ctx context.Context, a Attempt) (*Response, error)
}

type Pool interface {
	Select(avoid ...proxypool.Address) (proxypool.Endpoint, error)
	ReportOutcome(addr proxypool.Address, success bool, kind types.FailureKind) error
	Eligible(addr proxypool.Address) bool
}

type Credentials interface {
	Current() (tokens.Set, error)
	MarkExpiredIn(setID string, kind tokens.Kind) error
	RotateFrom(setID string) error
	Confirm(setID string)
}

type Scheduler interface {
	AwaitSlot(ctx context.Context, timeout time.Duration) (scheduler.Slot, error)
	Cooldown(d time.Duration)
	BurstDelay() time.Duration
}

type Options struct {
	MaxAttempts    int
	RequestTimeout time.Duration
	// SlotTimeout bounds the wait for a scheduler slot; zero waits for the window
	SlotTimeout time.Duration
	Metrics     *metrics.Collector
}

// Dispatcher runs the per-request state machine. It owns no pool, credential
// or pacing state; it only reads selections and reports outcomes.
type Dispatcher struct {
	pool      Pool
	creds     Credentials
	sched     Scheduler
	transport Transport
	opts      Options

	// sticky pairing for the current scheduler session
	mu      sync.Mutex
	session int64
	sticky  *proxypool.Address

	recorder func(types.AttemptRecord)
}

func New(pool Pool, creds Credentials, sched Scheduler, transport Transport, opts Options) (*Dispatcher, error) {
	if opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Dispatcher{
		pool:      pool,
		creds:     creds,
		sched:     sched,
		transport: transport,
		opts:      opts,
	}, nil
}

// SetRecorder registers the audit sink that receives every attempt record
func (d *Dispatcher) SetRecorder(fn func(types.AttemptRecord)) {
	d.mu.Lock()
	d.recorder = fn
	d.mu.Unlock()
}

// Execute sends one logical request, retrying per failure kind up to MaxAttempts.
// Pool and credential exhaustion are returned wrapped so IsFatal recognizes them;
// a terminal per-request failure is a *DispatchError; cancellation returns ctx.Err().
func (d *Dispatcher) Execute(ctx context.Context, spec RequestSpec) (*Response, error) {
	requestID := spec.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}

	var (
		avoid      []proxypool.Address
		retried    = make(map[types.FailureKind]bool)
		made       int
		lastKind   types.FailureKind
		lastErr    error
		lastStatus int
		// set only when the attempt ceiling ends the loop
		exhausted = true
	)

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		// Scheduled
		waitStart := time.Now()
		slot, err := d.sched.AwaitSlot(ctx, d.opts.SlotTimeout)
		if err != nil {
			if ctx.Err() != nil {
				d.opts.Metrics.RecordRequest("canceled")
				return nil, ctx.Err()
			}
			d.opts.Metrics.RecordRequest("rate_limited")
			return nil, fmt.Errorf("request %s: %w", requestID, err)
		}
		d.opts.Metrics.RecordSlotWait(time.Since(waitStart).Seconds())

		// ProxySelected
		addr, err := d.endpointFor(slot, avoid)
		if err != nil {
			d.opts.Metrics.RecordRequest("fatal")
			return nil, fmt.Errorf("request %s: %w", requestID, err)
		}

		// CredentialAttached
		set, err := d.creds.Current()
		if err != nil {
			d.opts.Metrics.RecordRequest("fatal")
			return nil, fmt.Errorf("request %s: %w", requestID, err)
		}

		// InFlight
		rec := types.AttemptRecord{
			RequestID:      requestID,
			AttemptID:      uuid.NewString(),
			Attempt:        attempt,
			Timestamp:      slot.AdmittedAt,
			Endpoint:       addr.Redacted(),
			CredentialSet:  set.ID,
			CredentialKind: string(set.Primary),
			Session:        slot.Session,
		}

		made++
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
		start := time.Now()
		resp, err := d.transport.Do(attemptCtx, Attempt{
			RequestID: requestID,
			Number:    attempt,
			Spec:      spec,
			Proxy:     addr,
			Cookies:   set.Cookies(),
		})
		rec.Latency = time.Since(start)
		cancel()

		if ctx.Err() != nil {
			// Shutdown says nothing about the proxy
			rec.Outcome = "canceled"
			rec.Error = ctx.Err().Error()
			d.record(rec)
			d.opts.Metrics.RecordRequest("canceled")
			return nil, ctx.Err()
		}

		if resp != nil {
			rec.StatusCode = resp.StatusCode
		}
		kind := Classify(resp, err)

		if kind == types.FailureNone {
			d.report(addr, true, kind)
			d.creds.Confirm(set.ID)
			rec.Outcome = "succeeded"
			d.record(rec)
			d.opts.Metrics.RecordRequest("succeeded")

			resp.Latency = rec.Latency
			resp.Endpoint = rec.Endpoint
			resp.CredentialSet = set.ID
			resp.Attempts = attempt
			return resp, nil
		}

		if err == nil {
			if resp != nil {
				err = &StatusError{StatusCode: resp.StatusCode}
			} else {
				err = errTransportNoResponse
			}
		}
		d.report(addr, false, kind)
		rec.Outcome = "failed"
		rec.FailureKind = kind
		rec.Error = err.Error()
		d.record(rec)

		lastKind, lastErr, lastStatus = kind, err, rec.StatusCode
		pol := policies[kind]

		if pol.switchEndpoint {
			avoid = append(avoid, addr)
			d.dropSticky(addr)
		}
		if pol.expireCredentials {
			d.expireCredentials(set)
		}
		if pol.cooldown {
			d.sched.Cooldown(d.sched.BurstDelay())
		}
		if !pol.retry || (pol.retryOnce && retried[kind]) {
			exhausted = false
			break
		}
		retried[kind] = true
	}

	if exhausted {
		lastErr = fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
	}

	dispatchErr := &DispatchError{
		Kind:       lastKind,
		Attempts:   made,
		StatusCode: lastStatus,
		Err:        lastErr,
	}
	if dispatchErr.Recoverable() {
		d.opts.Metrics.RecordRequest("rate_limited")
	} else {
		d.opts.Metrics.RecordRequest("failed")
	}
	log.WithFields(log.Fields{
		"request": requestID,
		"kind":    lastKind,
	}).Warnf("Request failed: %v", lastErr)

	return nil, dispatchErr
}

// endpointFor keeps one endpoint for the whole scheduler session. A new
// session drops the pairing and rotates credentials.
func (d *Dispatcher) endpointFor(slot scheduler.Slot, avoid []proxypool.Address) (proxypool.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slot.Session != d.session {
		first := d.session == 0
		d.session = slot.Session
		d.sticky = nil
		if !first {
			d.rotateForSession(slot.Session)
		}
	}

	if d.sticky != nil && d.pool.Eligible(*d.sticky) && !contains(avoid, *d.sticky) {
		return *d.sticky, nil
	}

	ep, err := d.pool.Select(avoid...)
	if err != nil {
		return proxypool.Address{}, err
	}
	addr := ep.Address
	d.sticky = &addr
	return addr, nil
}

// rotateForSession must be called with mu held
func (d *Dispatcher) rotateForSession(session int64) {
	set, err := d.creds.Current()
	if err != nil {
		return
	}
	if err := d.creds.RotateFrom(set.ID); err != nil {
		log.WithField("session", session).Debugf("Keeping credential set %s for new session: %v", set.ID, err)
	}
}

func (d *Dispatcher) dropSticky(addr proxypool.Address) {
	d.mu.Lock()
	if d.sticky != nil && d.sticky.String() == addr.String() {
		d.sticky = nil
	}
	d.mu.Unlock()
}

func (d *Dispatcher) expireCredentials(set tokens.Set) {
	if err := d.creds.MarkExpiredIn(set.ID, set.Primary); err != nil {
		log.WithField("set", set.ID).Warnf("Failed to expire credentials: %v", err)
	}
	if err := d.creds.RotateFrom(set.ID); err != nil {
		log.WithField("set", set.ID).Warnf("No replacement credentials: %v", err)
	}
}

func (d *Dispatcher) report(addr proxypool.Address, success bool, kind types.FailureKind) {
	if err := d.pool.ReportOutcome(addr, success, kind); err != nil {
		log.Errorf("Failed to report outcome for %s: %v", addr.Redacted(), err)
	}
}

func (d *Dispatcher) record(rec types.AttemptRecord) {
	log.WithFields(log.Fields{
		"request":  rec.RequestID,
		"attempt":  rec.Attempt,
		"endpoint": rec.Endpoint,
		"session":  rec.Session,
		"outcome":  rec.Outcome,
		"kind":     rec.FailureKind,
		"latency":  rec.Latency,
	}).Debug("Attempt finished")

	d.opts.Metrics.RecordAttempt(rec)

	d.mu.Lock()
	recorder := d.recorder
	d.mu.Unlock()
	if recorder != nil {
		recorder(rec)
	}
}

func contains(list []proxypool.Address, addr proxypool.Address) bool {
	key := addr.String()
	for _, a := range list {
		if a.String() == key {
			return true
		}
	}
	return false
}
