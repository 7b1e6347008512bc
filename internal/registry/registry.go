package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/luisarev/mensajero/internal/broadcast"
	"github.com/luisarev/mensajero/internal/observability"
	"github.com/luisarev/mensajero/internal/qrwindow"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/waproto"
)

// State is the lifecycle phase of one account session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateAwaitingScan  State = "awaiting_scan"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateExpired       State = "expired"
)

// ErrAccountNotReady is returned when a send is attempted before the account
// reached the connected state.
var ErrAccountNotReady = errors.New("account session not ready")

// Session is a snapshot of one account's in-memory session.
type Session struct {
	AccountKey string    `json:"account_key"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
}

// StatusKind mirrors the wire contract of the session-status endpoint.
type StatusKind string

const (
	StatusReady    StatusKind = "ready"
	StatusStarting StatusKind = "starting"
	StatusSaved    StatusKind = "saved"
	StatusNotReady StatusKind = "not_ready"
)

// Status is the answer to a session-status query.
type Status struct {
	Estado  StatusKind `json:"estado"`
	Detalle string     `json:"detalle,omitempty"`
}

type liveSession struct {
	Session
	conn waproto.Connection
}

// slot serializes all operations for one account key. The registry's own
// mutex only guards the slot map, so accounts never contend with each other.
type slot struct {
	mu      sync.Mutex
	session *liveSession
}

// Registry owns every account session: it creates connections, routes their
// lifecycle events into the broadcaster and the QR window, answers status
// queries, and tears accounts down.
type Registry struct {
	provider    waproto.Provider
	broadcaster *broadcast.Broadcaster
	limiter     *ratelimit.Limiter
	metrics     *observability.Metrics
	authDir     string

	mu     sync.Mutex
	slots  map[string]*slot
	active int

	qrMu sync.Mutex
	qr   *qrwindow.Controller
}

func New(provider waproto.Provider, b *broadcast.Broadcaster, limiter *ratelimit.Limiter, metrics *observability.Metrics, authDir string) *Registry {
	return &Registry{
		provider:    provider,
		broadcaster: b,
		limiter:     limiter,
		metrics:     metrics,
		authDir:     authDir,
		slots:       make(map[string]*slot),
	}
}

// SetQRController attaches the authentication-window controller. Set once at
// build time; the controller's expire callback points back at Teardown, which
// is why it cannot be a constructor argument.
func (r *Registry) SetQRController(qr *qrwindow.Controller) {
	r.qrMu.Lock()
	defer r.qrMu.Unlock()
	r.qr = qr
}

func (r *Registry) qrController() *qrwindow.Controller {
	r.qrMu.Lock()
	defer r.qrMu.Unlock()
	return r.qr
}

// AuthDir is the root under which per-account credentials persist.
func (r *Registry) AuthDir() string { return r.authDir }

// CredentialDir is where the provider persists credentials for one account.
func (r *Registry) CredentialDir(key string) string {
	return filepath.Join(r.authDir, "session-"+key)
}

func (r *Registry) slotFor(key string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	return s
}

// lockSlot returns the key's slot with its lock held. Teardown prunes empty
// slots, so a slot fetched before the lock was acquired may no longer be the
// one in the map; such a stale slot is discarded and looked up again.
func (r *Registry) lockSlot(key string) *slot {
	for {
		s := r.slotFor(key)
		s.mu.Lock()
		r.mu.Lock()
		current := r.slots[key] == s
		r.mu.Unlock()
		if current {
			return s
		}
		s.mu.Unlock()
	}
}

// GetOrCreate returns the account's session, constructing a fresh connection
// when none exists. Concurrent calls for the same key observe exactly one
// construction; the per-key slot lock covers the whole create path.
func (r *Registry) GetOrCreate(ctx context.Context, key string) (Session, error) {
	s := r.lockSlot(key)
	defer s.mu.Unlock()

	if s.session != nil {
		switch s.session.State {
		case StateExpired, StateDisconnected:
			// Terminal leftovers are replaced by a fresh session below.
		default:
			return s.session.Session, nil
		}
	}

	credDir := r.CredentialDir(key)
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		return Session{}, fmt.Errorf("prepare credential dir for %s: %w", key, err)
	}

	conn, events, err := r.provider.Open(ctx, key, credDir)
	if err != nil {
		return Session{}, fmt.Errorf("open connection for %s: %w", key, err)
	}

	live := &liveSession{
		Session: Session{
			AccountKey: key,
			State:      StateUninitialized,
			CreatedAt:  time.Now().UTC(),
		},
		conn: conn,
	}
	prev := s.session
	s.session = live
	if prev == nil {
		r.mu.Lock()
		r.active++
		r.mu.Unlock()
	}
	r.observeSession("created")
	r.setActiveGauge()

	go r.pumpEvents(key, s, live, events)

	return live.Session, nil
}

// pumpEvents consumes one connection's event channel until it closes. The
// live pointer pins which session generation this pump belongs to, so a pump
// that outlives its session cannot touch a recreated one under the same key.
func (r *Registry) pumpEvents(key string, s *slot, live *liveSession, events <-chan waproto.Event) {
	for ev := range events {
		switch ev.Kind {
		case waproto.EventQR:
			r.handleQR(key, s, live, ev.Payload)
		case waproto.EventReady:
			r.handleReady(key, s, live)
		case waproto.EventAuthFailure:
			log.Printf("registry: auth failure for %s: %s", key, ev.Reason)
			r.observeSession("auth_failure")
			if err := r.teardown(key, live); err != nil {
				log.Printf("registry: teardown after auth failure for %s: %v", key, err)
			}
		case waproto.EventDisconnected:
			log.Printf("registry: %s disconnected: %s", key, ev.Reason)
			r.observeSession("disconnected")
			if err := r.teardown(key, live); err != nil {
				log.Printf("registry: teardown after disconnect for %s: %v", key, err)
			}
		}
	}
}

func (r *Registry) handleQR(key string, s *slot, live *liveSession, payload string) {
	s.mu.Lock()
	if s.session != live {
		s.mu.Unlock()
		return
	}
	s.session.State = StateAwaitingScan
	s.mu.Unlock()

	dataURL, err := encodeQRDataURL(payload)
	if err != nil {
		log.Printf("registry: encode qr for %s: %v", key, err)
		return
	}
	log.Printf("registry: qr code issued for %s", key)
	r.observeSession("qr")
	r.broadcaster.Publish(key, broadcast.Event{Kind: broadcast.KindQR, Data: dataURL})
	if qr := r.qrController(); qr != nil {
		qr.Arm(key)
	}
}

func (r *Registry) handleReady(key string, s *slot, live *liveSession) {
	s.mu.Lock()
	if s.session != live {
		s.mu.Unlock()
		return
	}
	s.session.State = StateConnected
	s.session.ReadyAt = time.Now().UTC()
	s.mu.Unlock()

	log.Printf("registry: %s connected", key)
	r.observeSession("ready")
	if qr := r.qrController(); qr != nil {
		qr.Disarm(key)
	}
	r.broadcaster.ClearRetained(key)
	r.broadcaster.Publish(key, broadcast.Event{Kind: broadcast.KindReady})
}

// Teardown releases everything tied to the account key: the pending QR
// deadline, the connection handle, rate counters, subscribers, and persisted
// credentials. It is idempotent; a second caller sees a no-op. The returned
// error reports a failed handle destroy, but registry state is cleared
// regardless.
func (r *Registry) Teardown(_ context.Context, key string) error {
	return r.teardown(key, nil)
}

// teardown is the single teardown path. A non-nil match restricts it to one
// session generation: event pumps pass their own session so a late event for
// a replaced session cannot tear down its successor.
func (r *Registry) teardown(key string, match *liveSession) error {
	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.session
	if live == nil || (match != nil && live != match) {
		return nil
	}
	s.session = nil

	// The cleanup tail stays under the slot lock: a concurrent GetOrCreate
	// for the same key must wait here, or this teardown would wipe the fresh
	// session's credential dir, subscribers, and counters.
	if qr := r.qrController(); qr != nil {
		qr.Disarm(key)
	}

	var destroyErr error
	if live.conn != nil {
		if err := live.conn.Destroy(); err != nil {
			destroyErr = fmt.Errorf("destroy connection for %s: %w", key, err)
			log.Printf("registry: %v", destroyErr)
		}
	}

	r.limiter.Forget(key)
	r.broadcaster.CloseAccount(key)

	if err := os.RemoveAll(r.CredentialDir(key)); err != nil {
		log.Printf("registry: remove credentials for %s: %v", key, err)
	}

	// The slot is empty now; drop it so the map does not grow with every
	// account key the process ever saw. Nobody holds r.mu while waiting on
	// a slot lock, so taking it here cannot deadlock.
	r.mu.Lock()
	if r.slots[key] == s {
		delete(r.slots, key)
	}
	r.active--
	r.mu.Unlock()

	log.Printf("registry: session for %s torn down", key)
	r.observeSession("torn_down")
	r.setActiveGauge()
	return destroyErr
}

// TeardownAll tears down every known account, one key at a time through the
// same synchronized path as single-account teardown.
func (r *Registry) TeardownAll(ctx context.Context) {
	for _, key := range r.Keys() {
		if err := r.Teardown(ctx, key); err != nil {
			log.Printf("registry: teardown %s during full reset: %v", key, err)
		}
	}
}

// Status answers the session-status query. A failing transport status query
// degrades to not_ready instead of propagating.
func (r *Registry) Status(ctx context.Context, key string) Status {
	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		live := s.session
		var conn waproto.Connection
		if live != nil {
			conn = live.conn
		}
		s.mu.Unlock()

		if conn != nil {
			state, err := conn.State(ctx)
			if err != nil {
				log.Printf("registry: status query for %s: %v", key, err)
				return Status{Estado: StatusNotReady}
			}
			if state == waproto.StateConnected {
				return Status{Estado: StatusReady}
			}
			return Status{Estado: StatusStarting, Detalle: state}
		}
	}

	if _, err := os.Stat(r.CredentialDir(key)); err == nil {
		return Status{Estado: StatusSaved}
	}
	return Status{Estado: StatusNotReady}
}

// Connected returns the live handle for a connected account, or
// ErrAccountNotReady.
func (r *Registry) Connected(key string) (waproto.Connection, error) {
	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.State != StateConnected || s.session.conn == nil {
		return nil, ErrAccountNotReady
	}
	return s.session.conn, nil
}

// Session returns a snapshot of the account's session, if one exists.
func (r *Registry) Session(key string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return s.session.Session, true
}

// Keys lists every account with an in-memory session.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	slots := make(map[string]*slot, len(r.slots))
	for k, s := range r.slots {
		slots[k] = s
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(slots))
	for k, s := range slots {
		s.mu.Lock()
		if s.session != nil {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// ActiveCount reports how many in-memory sessions exist. It reads a counter
// rather than walking the slots, so it is safe to call while a slot lock is
// held (teardown and GetOrCreate both update the gauge mid-operation).
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) observeSession(event string) {
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (r *Registry) setActiveGauge() {
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(r.ActiveCount()))
	}
}

// encodeQRDataURL renders the raw handshake payload as a PNG data URL, ready
// for an <img> tag on the pairing page.
func encodeQRDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
