package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

// ErrNoValidCredentials is returned when no usable credential set remains
var ErrNoValidCredentials = errors.New("no valid credentials available")

type Kind string

const (
	MsToken   Kind = "msToken"
	WebID     Kind = "webId"
	WebIDV2   Kind = "webIdV2"
	SessionID Kind = "sessionId"
)

var cookieNames = map[Kind]string{
	MsToken:   "msToken",
	WebID:     "tt_webid",
	WebIDV2:   "tt_webid_v2",
	SessionID: "sessionid",
}

// CookieName is the name the credential is sent under
func (k Kind) CookieName() string {
	if name, ok := cookieNames[k]; ok {
		return name
	}
	return string(k)
}

// ParseKind accepts a kind name or its cookie name. Unrecognized names are
// kept as-is so new token kinds pass through.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty credential kind")
	}
	for kind, cookie := range cookieNames {
		if s == string(kind) || s == cookie {
			return kind, nil
		}
	}
	return Kind(s), nil
}

type Status string

const (
	Unverified Status = "unverified"
	Active     Status = "active"
	Expired    Status = "expired"
)

type Credential struct {
	Kind       Kind
	Value      string
	AcquiredAt time.Time
	Status     Status
}

// Set is a copy of one credential identity
type Set struct {
	ID          string
	Primary     Kind
	Credentials []Credential
}

func (s Set) Get(kind Kind) (Credential, bool) {
	for _, c := range s.Credentials {
		if c.Kind == kind {
			return c, true
		}
	}
	return Credential{}, false
}

// Cookies maps cookie names to values for every non-expired credential
func (s Set) Cookies() map[string]string {
	out := make(map[string]string, len(s.Credentials))
	for _, c := range s.Credentials {
		if c.Status != Expired {
			out[c.Kind.CookieName()] = c.Value
		}
	}
	return out
}

// Change is published for every credential status change
type Change struct {
	SetID  string
	Kind   Kind
	From   Status
	To     Status
	Reason string
}

type Options struct {
	// PrimaryKind is the critical credential; its expiry expires the whole set
	PrimaryKind Kind
	// MaxAge expires credentials older than this; zero disables age expiry
	MaxAge time.Duration
	Now    func() time.Time
}

type credentialSet struct {
	id      string
	primary Kind
	creds   []*Credential
	expired bool
}

func (cs *credentialSet) usable() bool {
	if cs.expired {
		return false
	}
	for _, c := range cs.creds {
		if c.Status != Expired {
			return true
		}
	}
	return false
}

func (cs *credentialSet) copy() Set {
	out := Set{ID: cs.id, Primary: cs.primary, Credentials: make([]Credential, len(cs.creds))}
	for i, c := range cs.creds {
		out.Credentials[i] = *c
	}
	return out
}

// Store owns every credential. All mutation happens under mu.
type Store struct {
	mu       sync.Mutex
	sets     []*credentialSet
	current  int
	seq      int
	opts     Options
	observer func(Change)
}

func NewStore(opts Options) *Store {
	if opts.PrimaryKind == "" {
		opts.PrimaryKind = MsToken
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{current: -1, opts: opts}
}

// SetObserver registers a callback for status changes. It is invoked outside the store lock.
func (s *Store) SetObserver(fn func(Change)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Supply appends a credential set acquired now
func (s *Store) Supply(values map[Kind]string) (Set, error) {
	return s.SupplyAt(values, s.opts.Now())
}

// SupplyAt appends a credential set. Only presence and non-emptiness are
// validated. If no usable set is current, the new set becomes current.
func (s *Store) SupplyAt(values map[Kind]string, acquiredAt time.Time) (Set, error) {
	if len(values) == 0 {
		return Set{}, fmt.Errorf("supply credentials: empty credential set")
	}

	kinds := make([]Kind, 0, len(values))
	for kind, value := range values {
		if strings.TrimSpace(string(kind)) == "" {
			return Set{}, fmt.Errorf("supply credentials: empty credential kind")
		}
		if strings.TrimSpace(value) == "" {
			return Set{}, fmt.Errorf("supply credentials: %s value is empty", kind)
		}
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	s.mu.Lock()
	s.seq++
	cs := &credentialSet{id: fmt.Sprintf("set-%d", s.seq), primary: kinds[0]}
	for _, kind := range kinds {
		if kind == s.opts.PrimaryKind {
			cs.primary = kind
		}
		cs.creds = append(cs.creds, &Credential{
			Kind:       kind,
			Value:      strings.TrimSpace(values[kind]),
			AcquiredAt: acquiredAt,
			Status:     Unverified,
		})
	}
	s.sets = append(s.sets, cs)

	promoted := false
	if s.current < 0 || !s.sets[s.current].usable() {
		s.current = len(s.sets) - 1
		promoted = true
	}
	out := cs.copy()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"set":     out.ID,
		"kinds":   len(kinds),
		"current": promoted,
	}).Info("Credential set supplied")

	return out, nil
}

// Current returns the active set, failing closed when it has no usable credential
func (s *Store) Current() (Set, error) {
	s.mu.Lock()
	changes := s.expireAged()
	var (
		out Set
		err error
	)
	if s.current < 0 || !s.sets[s.current].usable() {
		err = ErrNoValidCredentials
	} else {
		out = s.sets[s.current].copy()
	}
	observer := s.observer
	s.mu.Unlock()

	s.publish(observer, changes)
	return out, err
}

// MarkExpired expires kind in the current set
func (s *Store) MarkExpired(kind Kind) error {
	s.mu.Lock()
	if s.current < 0 {
		s.mu.Unlock()
		return ErrNoValidCredentials
	}
	id := s.sets[s.current].id
	s.mu.Unlock()

	return s.MarkExpiredIn(id, kind)
}

// MarkExpiredIn expires kind in the named set. Expiring the primary credential,
// or the last live one, expires the whole set. Expiry never reverts.
func (s *Store) MarkExpiredIn(setID string, kind Kind) error {
	s.mu.Lock()
	cs := s.find(setID)
	if cs == nil {
		s.mu.Unlock()
		return fmt.Errorf("mark expired: unknown credential set %q", setID)
	}

	var target *Credential
	for _, c := range cs.creds {
		if c.Kind == kind {
			target = c
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("mark expired: %s not in credential set %s", kind, setID)
	}

	changes := s.expire(cs, target, "rejected by target")
	observer := s.observer
	s.mu.Unlock()

	s.publish(observer, changes)
	return nil
}

// Rotate advances current to the next set that is not Expired
func (s *Store) Rotate() error {
	s.mu.Lock()
	id := ""
	if s.current >= 0 {
		id = s.sets[s.current].id
	}
	s.mu.Unlock()

	return s.RotateFrom(id)
}

// RotateFrom rotates only if setID is still current, so concurrent callers that
// observed the same bad set rotate once. If current already moved on, it
// succeeds when the new current is usable.
func (s *Store) RotateFrom(setID string) error {
	s.mu.Lock()
	changes := s.expireAged()

	var err error
	switch {
	case len(s.sets) == 0:
		err = ErrNoValidCredentials
	case s.current >= 0 && s.sets[s.current].id != setID:
		if !s.sets[s.current].usable() {
			err = s.advance()
		}
	default:
		err = s.advance()
	}

	next := ""
	if err == nil {
		next = s.sets[s.current].id
	}
	observer := s.observer
	s.mu.Unlock()

	s.publish(observer, changes)
	if err != nil {
		log.WithField("from", setID).Warn("Credential rotation failed: no usable set remains")
		return fmt.Errorf("rotate credentials: %w", err)
	}
	if next != setID {
		log.WithFields(log.Fields{"from": setID, "to": next}).Info("Credential set rotated")
	}
	return nil
}

// advance must be called with mu held. Current is left unchanged on failure.
func (s *Store) advance() error {
	n := len(s.sets)
	start := s.current
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		if start < 0 {
			idx = i - 1
		}
		if idx == start {
			continue
		}
		if s.sets[idx].usable() {
			s.current = idx
			return nil
		}
	}
	return ErrNoValidCredentials
}

// Confirm promotes Unverified credentials of setID to Active after a successful request
func (s *Store) Confirm(setID string) {
	s.mu.Lock()
	cs := s.find(setID)
	if cs == nil || cs.expired {
		s.mu.Unlock()
		return
	}

	var changes []Change
	for _, c := range cs.creds {
		if c.Status == Unverified {
			c.Status = Active
			changes = append(changes, Change{SetID: cs.id, Kind: c.Kind, From: Unverified, To: Active, Reason: "request succeeded"})
		}
	}
	observer := s.observer
	s.mu.Unlock()

	s.publish(observer, changes)
}

// Sets returns copies of every set in configured order
func (s *Store) Sets() []Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Set, 0, len(s.sets))
	for _, cs := range s.sets {
		out = append(out, cs.copy())
	}
	return out
}

// Stats returns a credential-value-free view of every set
func (s *Store) Stats() []types.CredentialSetStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]types.CredentialSetStats, 0, len(s.sets))
	for i, cs := range s.sets {
		st := types.CredentialSetStats{
			ID:      cs.id,
			Current: i == s.current,
			Expired: !cs.usable(),
		}
		for _, c := range cs.creds {
			st.Credentials = append(st.Credentials, types.CredentialStats{
				Kind:       string(c.Kind),
				Status:     string(c.Status),
				AcquiredAt: c.AcquiredAt,
			})
		}
		stats = append(stats, st)
	}
	return stats
}

// Usable returns the number of sets that are not Expired
func (s *Store) Usable() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cs := range s.sets {
		if cs.usable() {
			n++
		}
	}
	return n
}

func (s *Store) find(id string) *credentialSet {
	for _, cs := range s.sets {
		if cs.id == id {
			return cs
		}
	}
	return nil
}

// expire must be called with mu held
func (s *Store) expire(cs *credentialSet, c *Credential, reason string) []Change {
	if c.Status == Expired {
		return nil
	}
	changes := []Change{{SetID: cs.id, Kind: c.Kind, From: c.Status, To: Expired, Reason: reason}}
	c.Status = Expired

	if !cs.expired && (c.Kind == cs.primary || !cs.usable()) {
		cs.expired = true
		for _, other := range cs.creds {
			if other.Status != Expired {
				changes = append(changes, Change{SetID: cs.id, Kind: other.Kind, From: other.Status, To: Expired, Reason: "set expired"})
				other.Status = Expired
			}
		}
	}
	return changes
}

// expireAged must be called with mu held
func (s *Store) expireAged() []Change {
	if s.opts.MaxAge <= 0 {
		return nil
	}
	now := s.opts.Now()

	var changes []Change
	for _, cs := range s.sets {
		for _, c := range cs.creds {
			if c.Status != Expired && now.Sub(c.AcquiredAt) >= s.opts.MaxAge {
				changes = append(changes, s.expire(cs, c, "age threshold")...)
			}
		}
	}
	return changes
}

func (s *Store) publish(observer func(Change), changes []Change) {
	for _, ch := range changes {
		entry := log.WithFields(log.Fields{
			"set":    ch.SetID,
			"kind":   ch.Kind,
			"from":   ch.From,
			"to":     ch.To,
			"reason": ch.Reason,
		})
		if ch.To == Expired {
			entry.Warn("Credential expired")
		} else {
			entry.Debug("Credential status changed")
		}
		if observer != nil {
			observer(ch)
		}
	}
}
