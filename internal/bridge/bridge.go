// Package bridge implements the per-session bridge between the upstream agent
// API and attached client connections.
//
// A Bridge owns one session. A single run loop executes polls and client
// commands one at a time, so nothing it does for a session can interleave.
// Readers (Attach, Snapshot, Events) take the bridge mutex and never wait on
// upstream I/O.
package bridge

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/policy"
	"github.com/xiaot623/gogo/bridge/internal/repohost"
	"github.com/xiaot623/gogo/bridge/internal/state"
)

// AgentAPI is the part of the upstream agent client a bridge uses.
type AgentAPI interface {
	GetSession(ctx context.Context, name string) (*agentapi.Session, error)
	SendMessage(ctx context.Context, name, prompt string) error
	ApprovePlan(ctx context.Context, name string) error
	ListActivities(ctx context.Context, name string, pageSize int, pageToken string) (*agentapi.ActivityPage, error)
	AllActivities(ctx context.Context, name string) ([]agentapi.Activity, error)
}

// RepoHost is the part of the repo-host client a bridge uses.
type RepoHost interface {
	PublishPatch(ctx context.Context, req repohost.PublishRequest) (*domain.PublishResult, error)
	OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*domain.PublishResult, error)
}

// Admitter decides whether a command may run.
type Admitter interface {
	Admit(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Ledger records what must survive the bridge.
type Ledger interface {
	UpdateSessionState(ctx context.Context, key string, state domain.SessionState) error
	SavePublishResult(ctx context.Context, key string, result *domain.PublishResult) (bool, error)
	ListPublishResults(ctx context.Context, key string) ([]domain.PublishResult, error)
	SaveChangeSet(ctx context.Context, key string, cs *domain.ChangeSet) error
	GetChangeSet(ctx context.Context, key string) (*domain.ChangeSet, error)
}

// Options tunes a bridge.
type Options struct {
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	PollTimeout      time.Duration
	FailureThreshold int
	ReplayBufferSize int
	DetachGrace      time.Duration
	CommandTimeout   time.Duration
	CommandQueueSize int
	PageSize         int
	// SessionRefreshEvery forces a session fetch every N quiet polls.
	SessionRefreshEvery int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:        2 * time.Second,
		MaxBackoff:          30 * time.Second,
		PollTimeout:         30 * time.Second,
		FailureThreshold:    5,
		ReplayBufferSize:    500,
		DetachGrace:         30 * time.Second,
		CommandTimeout:      60 * time.Second,
		CommandQueueSize:    32,
		PageSize:            agentapi.DefaultPageSize,
		SessionRefreshEvery: 5,
	}
}

// Deps are the collaborators of a bridge. Repo and Ledger may be nil.
type Deps struct {
	Agent   AgentAPI
	Repo    RepoHost
	Policy  Admitter
	Ledger  Ledger
	Options Options
	Logger  zerolog.Logger
}

// Subscriber receives a session's envelopes. Deliver must not block; returning
// false detaches the subscriber.
type Subscriber interface {
	ID() string
	Deliver(env Envelope) bool
}

// Envelope is one unit of fan-out. The first envelope after Attach carries
// only Attach; every later one carries an event and the snapshot right after it.
type Envelope struct {
	Attach   *AttachInfo
	Event    domain.ActivityEvent
	Snapshot state.Snapshot
	Replayed bool
}

// AttachInfo describes the replay a new subscriber is about to receive.
type AttachInfo struct {
	SessionKey string
	Snapshot   state.Snapshot
	Replayed   int
	// Partial is set when older events were evicted from the replay buffer.
	Partial bool
}

type entry struct {
	event    domain.ActivityEvent
	snapshot state.Snapshot
}

// Bridge owns one session.
type Bridge struct {
	key  string
	deps Deps
	opts   Options
	log    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	commands chan *request
	wake     chan struct{}

	mu         sync.RWMutex
	buffer     []entry
	dropped    int
	subs       map[string]Subscriber
	snapshot   state.Snapshot
	idleSince  time.Time
	lastActive time.Time
	closed     bool
	// source is written only by the run loop, which may read it unlocked.
	source string

	// Owned by the run loop.
	seen          map[string]bool
	echoes        map[string]int
	pageToken     string
	upstreamState domain.SessionState
	changeSet     *domain.ChangeSet
	failures      int
	polls         int
	stopped       bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func newBridge(key string, deps Deps, initial state.Snapshot) *Bridge {
	opts := deps.Options
	if opts.PollInterval <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = opts.PollInterval
	}
	if opts.CommandQueueSize <= 0 {
		opts.CommandQueueSize = 1
	}
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 1
	}
	if opts.SessionRefreshEvery <= 0 {
		opts.SessionRefreshEvery = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Bridge{
		key:        key,
		deps:       deps,
		opts:       opts,
		log:        deps.Logger.With().Str("session", key).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		commands:   make(chan *request, opts.CommandQueueSize),
		wake:       make(chan struct{}, 1),
		subs:       make(map[string]Subscriber),
		snapshot:   initial,
		idleSince:  now,
		lastActive: now,
		seen:       make(map[string]bool),
		echoes:     make(map[string]int),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// New starts a bridge for a session that was just created upstream.
func New(deps Deps, session *agentapi.Session) *Bridge {
	key := domain.SessionKey(session.Name)
	initialState := domain.SessionState(session.State)
	if !initialState.Valid() {
		initialState = domain.StateQueued
	}

	b := newBridge(key, deps, state.MarkAwaitingResponse(state.Initial(initialState)))
	b.setSource(session.Source())
	b.upstreamState = initialState
	b.emit(domain.ActivityEvent{
		ID:           key + "/created",
		Type:         domain.EventTypeStatus,
		Originator:   domain.OriginatorSystem,
		Timestamp:    time.Now().UTC(),
		Content:      "Session created",
		SessionID:    domain.SessionID(key),
		SessionState: initialState,
	})

	go b.run()
	return b
}

// Open starts a bridge for an existing upstream session, replaying its full
// activity history before returning.
func Open(ctx context.Context, deps Deps, key string) (*Bridge, error) {
	key = domain.SessionKey(key)
	b := newBridge(key, deps, state.Initial(""))

	session, err := deps.Agent.GetSession(ctx, key)
	if err != nil {
		b.cancel()
		if agentapi.IsNotFound(err) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	b.setSource(session.Source())

	if err := b.restorePublishResults(ctx); err != nil {
		b.log.Warn().Err(err).Msg("failed to restore publish results")
	}
	if err := b.sync(ctx, session); err != nil {
		b.cancel()
		return nil, err
	}

	go b.run()
	return b, nil
}

// Key returns the session key.
func (b *Bridge) Key() string { return b.key }

// Source returns the repository source of the session, if any.
func (b *Bridge) Source() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

func (b *Bridge) setSource(source string) {
	b.mu.Lock()
	b.source = source
	b.mu.Unlock()
}

// Snapshot returns the current derived state.
func (b *Bridge) Snapshot() state.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Events returns a copy of the replay buffer and whether it is partial.
func (b *Bridge) Events() ([]domain.ActivityEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := make([]domain.ActivityEvent, len(b.buffer))
	for i, e := range b.buffer {
		events[i] = e.event
	}
	return events, b.dropped > 0
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// IdleSince returns when the last subscriber detached, or the zero time while
// any subscriber is attached.
func (b *Bridge) IdleSince() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) > 0 {
		return time.Time{}
	}
	return b.idleSince
}

// Attach registers sub and replays the buffer to it. The replay and the
// registration happen under one lock, so sub sees every event exactly once.
func (b *Bridge) Attach(sub Subscriber) (AttachInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return AttachInfo{}, domain.ErrBridgeClosed
	}

	info := AttachInfo{
		SessionKey: b.key,
		Snapshot:   b.snapshot,
		Replayed:   len(b.buffer),
		Partial:    b.dropped > 0,
	}
	if !sub.Deliver(Envelope{Attach: &info}) {
		return info, errSubscriberFull
	}
	for _, e := range b.buffer {
		if !sub.Deliver(Envelope{Event: e.event, Snapshot: e.snapshot, Replayed: true}) {
			return info, errSubscriberFull
		}
	}

	b.subs[sub.ID()] = sub
	b.idleSince = time.Time{}
	b.log.Debug().Str("subscriber", sub.ID()).Int("replayed", info.Replayed).Msg("subscriber attached")
	b.poke()
	return info, nil
}

// Detach removes a subscriber. In-flight commands it submitted keep running.
func (b *Bridge) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	if len(b.subs) == 0 {
		b.idleSince = time.Now()
		b.lastActive = b.idleSince
	}
	b.log.Debug().Str("subscriber", id).Msg("subscriber detached")
	b.poke()
}

// Close stops the run loop and releases the bridge. Pending commands fail
// with ErrBridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
}

// Closed reports whether the bridge has been closed or retired.
func (b *Bridge) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// TryRetire closes the bridge if it has had no subscriber for longer than
// idleTimeout and is either terminal or has been idle past maxPending. The
// check and the close happen under the same lock as Attach, so a subscriber
// either attaches first and keeps the bridge alive or gets ErrBridgeClosed.
func (b *Bridge) TryRetire(idleTimeout, maxPending time.Duration, now time.Time) bool {
	b.mu.Lock()
	if b.closed || len(b.subs) > 0 || b.idleSince.IsZero() {
		b.mu.Unlock()
		return false
	}
	idle := now.Sub(b.idleSince)
	if idle <= idleTimeout || (!b.snapshot.State.Terminal() && idle <= maxPending) {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.mu.Unlock()

	b.log.Info().Dur("idle", idle).Msg("retiring idle bridge")
	b.cancel()
	<-b.done
	return true
}

func (b *Bridge) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// emit reduces ev into the snapshot and fans it out.
func (b *Bridge) emit(ev domain.ActivityEvent) {
	b.mu.RLock()
	next := state.Reduce(b.snapshot, ev)
	b.mu.RUnlock()
	b.publish(ev, next)
}

// publish appends ev to the replay buffer with the given snapshot and
// delivers it to every subscriber in order.
func (b *Bridge) publish(ev domain.ActivityEvent, next state.Snapshot) {
	b.seen[ev.ID] = true

	b.mu.Lock()
	prev := b.snapshot.State
	b.snapshot = next
	if len(b.buffer) >= b.opts.ReplayBufferSize {
		copy(b.buffer, b.buffer[1:])
		b.buffer = b.buffer[:len(b.buffer)-1]
		b.dropped++
	}
	b.buffer = append(b.buffer, entry{event: ev, snapshot: next})

	env := Envelope{Event: ev, Snapshot: next}
	for id, sub := range b.subs {
		if !sub.Deliver(env) {
			b.log.Warn().Str("subscriber", id).Msg("subscriber buffer full, detaching")
			delete(b.subs, id)
			if len(b.subs) == 0 {
				b.idleSince = time.Now()
				b.lastActive = b.idleSince
			}
		}
	}
	b.mu.Unlock()

	if prev != next.State && b.deps.Ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.deps.Ledger.UpdateSessionState(ctx, b.key, next.State); err != nil {
			b.log.Warn().Err(err).Msg("failed to record session state")
		}
		cancel()
	}
}

// localID returns a fresh identifier for a bridge-synthesized event.
func (b *Bridge) localID() string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return b.key + "/local/" + ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}
