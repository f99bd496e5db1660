// Package reconcile keeps the client's ordered view of chat sessions and
// pending notifications in sync with server-pushed events.
//
// Both collections are unique by id and ordered most recent first: every
// update removes the existing entry and reinserts it at the front, so event
// order can only affect content, never structure.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/wire"
)

// ErrMalformed marks a snapshot item or event that was dropped because it
// lacks an id.
var ErrMalformed = errors.New("malformed item")

const resolveTimeout = 10 * time.Second

type Summary struct {
	ID                   string         `json:"id"`
	ParticipantUserID    string         `json:"participant_user_id"`
	ParticipantUsername  string         `json:"participant_username"`
	LastMessage          string         `json:"last_message"`
	LastMessageTimestamp wire.Timestamp `json:"last_message_timestamp"`
}

type ChangeKind string

const (
	ChangeSessions      ChangeKind = "sessions"
	ChangeNotifications ChangeKind = "notifications"
	ChangePresence      ChangeKind = "presence"
	ChangeActiveChat    ChangeKind = "active_chat"
)

// Change tells observers which collection moved. ID names the affected item
// when there is exactly one.
type Change struct {
	Kind ChangeKind
	ID   string
}

type Subscriber interface {
	Subscribe(kind wire.Kind, h transport.Handler) *transport.Subscription
}

// Source fetches authoritative snapshots.
type Source interface {
	Chats(ctx context.Context) ([]Summary, error)
	Notifications(ctx context.Context) ([]wire.Notification, error)
}

// PresenceSource is optionally implemented by a Source to seed presence after
// a refresh.
type PresenceSource interface {
	BatchOnline(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// NameResolver looks up a display name for a user id.
type NameResolver interface {
	Username(ctx context.Context, userID string) (string, error)
}

type Options struct {
	// Resolver fills in participant names for chats first seen through a
	// message that carried no sender name. Nil disables resolution.
	Resolver NameResolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type observer struct {
	id uint64
	fn func(Change)
}

type Reconciler struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	resolver NameResolver
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	self      string
	sessions  []Summary
	notes     []wire.Notification
	online    map[string]bool
	active    string
	navAway   func(chatID string)
	observers []observer
	nextObs   uint64
	resolving map[string]bool
	closed    bool
}

func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		logger:    logger,
		metrics:   opts.Metrics,
		resolver:  opts.Resolver,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		online:    make(map[string]bool),
		resolving: make(map[string]bool),
	}
}

// Close stops background name lookups and waits for them to exit. No new
// lookups start afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// SetSelf records the local user's id. Messages sent by it never overwrite
// the participant shown for a chat.
func (r *Reconciler) SetSelf(userID string) {
	r.mu.Lock()
	r.self = userID
	r.mu.Unlock()
}

func (r *Reconciler) Sessions() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Summary(nil), r.sessions...)
}

func (r *Reconciler) Session(id string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexSession(id); i >= 0 {
		return r.sessions[i], true
	}
	return Summary{}, false
}

func (r *Reconciler) Notifications() []wire.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Notification(nil), r.notes...)
}

func (r *Reconciler) Notification(id string) (wire.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexNotification(id); i >= 0 {
		return r.notes[i], true
	}
	return wire.Notification{}, false
}

func (r *Reconciler) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

// Observe registers fn to run after every change. Observers run on the
// goroutine that made the change, without the reconciler's lock held.
func (r *Reconciler) Observe(fn func(Change)) (cancel func()) {
	r.mu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, observer{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, o := range r.observers {
				if o.id == id {
					r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// notifyLocked snapshots observers; the caller runs them after unlocking.
func (r *Reconciler) notifyLocked(c Change) func() {
	obs := append([]observer(nil), r.observers...)
	sessions, notes := len(r.sessions), len(r.notes)
	return func() {
		r.metrics.SetCollectionSizes(sessions, notes)
		for _, o := range obs {
			o.fn(c)
		}
	}
}

func (r *Reconciler) indexSession(id string) int {
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexNotification(id string) int {
	for i := range r.notes {
		if r.notes[i].ID == id {
			return i
		}
	}
	return -1
}

// LoadSnapshot replaces the session collection. Items without an id are
// dropped and reported in the returned error; duplicates keep their first
// occurrence. The valid items are applied either way.
func (r *Reconciler) LoadSnapshot(items []Summary) error {
	next := make([]Summary, 0, len(items))
	seen := make(map[string]bool, len(items))
	var errs []error
	for i, s := range items {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("session %d: %w: missing id", i, ErrMalformed))
			continue
		}
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		next = append(next, s)
	}
	r.reportDropped("session snapshot", errs)

	r.mu.Lock()
	r.sessions = next
	run := r.notifyLocked(Change{Kind: ChangeSessions})
	r.mu.Unlock()
	run()
	return errors.Join(errs...)
}

// Upsert moves s to the front, replacing any entry with the same id.
func (r *Reconciler) Upsert(s Summary) error {
	if s.ID == "" {
		err := fmt.Errorf("upsert session: %w: missing id", ErrMalformed)
		r.reportDropped("session upsert", []error{err})
		return err
	}
	r.mu.Lock()
	r.upsertLocked(s)
	run := r.notifyLocked(Change{Kind: ChangeSessions, ID: s.ID})
	r.mu.Unlock()
	run()
	return nil
}

func (r *Reconciler) upsertLocked(s Summary) {
	next := make([]Summary, 0, len(r.sessions)+1)
	next = append(next, s)
	for _, cur := range r.sessions {
		if cur.ID != s.ID {
			next = append(next, cur)
		}
	}
	r.sessions = next
}

// Remove deletes the session with id. Removing an unknown id is a no-op.
func (r *Reconciler) Remove(id string) {
	r.mu.Lock()
	i := r.indexSession(id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
	run := r.notifyLocked(Change{Kind: ChangeSessions, ID: id})
	r.mu.Unlock()
	run()
}

func (r *Reconciler) LoadNotifications(items []wire.Notification) error {
	next := make([]wire.Notification, 0, len(items))
	seen := make(map[string]bool, len(items))
	var errs []error
	for i, n := range items {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("notification %d: %w: missing id", i, ErrMalformed))
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		next = append(next, n)
	}
	r.reportDropped("notification snapshot", errs)

	r.mu.Lock()
	r.notes = next
	run := r.notifyLocked(Change{Kind: ChangeNotifications})
	r.mu.Unlock()
	run()
	return errors.Join(errs...)
}

// AddNotification inserts n at the front, replacing any entry with its id.
func (r *Reconciler) AddNotification(n wire.Notification) error {
	if n.ID == "" {
		err := fmt.Errorf("add notification: %w: missing id", ErrMalformed)
		r.reportDropped("notification", []error{err})
		return err
	}
	r.mu.Lock()
	next := make([]wire.Notification, 0, len(r.notes)+1)
	next = append(next, n)
	for _, cur := range r.notes {
		if cur.ID != n.ID {
			next = append(next, cur)
		}
	}
	r.notes = next
	run := r.notifyLocked(Change{Kind: ChangeNotifications, ID: n.ID})
	r.mu.Unlock()
	run()
	return nil
}

func (r *Reconciler) RemoveNotification(id string) {
	r.mu.Lock()
	i := r.indexNotification(id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.notes = append(r.notes[:i:i], r.notes[i+1:]...)
	run := r.notifyLocked(Change{Kind: ChangeNotifications, ID: id})
	r.mu.Unlock()
	run()
}

func (r *Reconciler) reportDropped(what string, errs []error) {
	if len(errs) == 0 {
		return
	}
	r.metrics.Add(metrics.SnapshotItemsDropped, uint64(len(errs)))
	for _, err := range errs {
		r.logger.Warn("dropping "+what+" item", "err", err)
	}
}

// SetActiveChat records which chat the user is viewing. Empty means none.
func (r *Reconciler) SetActiveChat(id string) {
	r.mu.Lock()
	if r.active == id {
		r.mu.Unlock()
		return
	}
	r.active = id
	run := r.notifyLocked(Change{Kind: ChangeActiveChat, ID: id})
	r.mu.Unlock()
	run()
}

func (r *Reconciler) ActiveChat() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnNavigateAway sets the callback invoked when the active chat is deleted.
func (r *Reconciler) OnNavigateAway(fn func(chatID string)) {
	r.mu.Lock()
	r.navAway = fn
	r.mu.Unlock()
}

// SetPresence merges a batch of online flags.
func (r *Reconciler) SetPresence(status map[string]bool) {
	if len(status) == 0 {
		return
	}
	r.mu.Lock()
	for id, on := range status {
		if on {
			r.online[id] = true
		} else {
			delete(r.online, id)
		}
	}
	run := r.notifyLocked(Change{Kind: ChangePresence})
	r.mu.Unlock()
	run()
}

// RecordOutgoing applies a message the local user sent. The relay does not
// echo chat messages back to their sender.
func (r *Reconciler) RecordOutgoing(chatID, content string, at time.Time) error {
	if chatID == "" {
		return fmt.Errorf("record outgoing: %w: missing chat id", ErrMalformed)
	}
	if at.IsZero() {
		at = r.now()
	}
	r.mu.Lock()
	s := Summary{ID: chatID}
	if i := r.indexSession(chatID); i >= 0 {
		s = r.sessions[i]
	}
	s.LastMessage = content
	s.LastMessageTimestamp = wire.At(at)
	r.upsertLocked(s)
	run := r.notifyLocked(Change{Kind: ChangeSessions, ID: chatID})
	r.mu.Unlock()
	run()
	return nil
}

// Refresh fetches both snapshots and applies them. On any fetch error the
// current state is kept and the error returned.
func (r *Reconciler) Refresh(ctx context.Context, src Source) error {
	chats, err := src.Chats(ctx)
	if err != nil {
		r.metrics.Inc(metrics.RefreshFailures)
		return fmt.Errorf("refresh chats: %w", err)
	}
	notes, err := src.Notifications(ctx)
	if err != nil {
		r.metrics.Inc(metrics.RefreshFailures)
		return fmt.Errorf("refresh notifications: %w", err)
	}

	_ = r.LoadSnapshot(chats)
	_ = r.LoadNotifications(notes)

	if ps, ok := src.(PresenceSource); ok {
		ids := make([]string, 0, len(chats))
		for _, s := range r.Sessions() {
			if s.ParticipantUserID != "" {
				ids = append(ids, s.ParticipantUserID)
			}
		}
		if len(ids) > 0 {
			status, err := ps.BatchOnline(ctx, ids)
			if err != nil {
				r.logger.Warn("presence seed failed", "err", err)
			} else {
				r.SetPresence(status)
			}
		}
	}
	r.logger.Debug("snapshot refreshed", "sessions", len(chats), "notifications", len(notes))
	return nil
}
