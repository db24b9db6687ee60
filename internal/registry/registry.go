// Package registry owns the live session bridges, one per session key.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/store"
)

// AgentAPI is the upstream surface the registry needs on top of what each
// bridge uses.
type AgentAPI interface {
	bridge.AgentAPI
	CreateSession(ctx context.Context, req agentapi.CreateSessionRequest) (*agentapi.Session, error)
	DeleteSession(ctx context.Context, name string) error
}

// Options controls eviction.
type Options struct {
	// IdleTimeout is how long a bridge must have had no subscribers before
	// it can be evicted.
	IdleTimeout time.Duration
	// MaxPendingIdle evicts non-terminal bridges that stayed unattended this long.
	MaxPendingIdle time.Duration
	SweepInterval  time.Duration
	// OpenTimeout bounds loading an existing session's history.
	OpenTimeout time.Duration
}

// CreateParams describes a new session.
type CreateParams struct {
	Prompt         string
	Title          string
	Source         string
	StartingBranch string
	AutoCreatePR   bool
}

// Registry maps session keys to bridges. At most one bridge exists per key.
type Registry struct {
	agent AgentAPI
	deps  bridge.Deps
	store store.Store
	opts  Options
	log   zerolog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	bridges map[string]*bridge.Bridge
}

// New creates a registry. deps is the template every bridge is built from;
// its Agent and Ledger are set from agent and st. st may be nil.
func New(agent AgentAPI, deps bridge.Deps, st store.Store, opts Options) *Registry {
	deps.Agent = agent
	if st != nil {
		deps.Ledger = st
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	return &Registry{
		agent:   agent,
		deps:    deps,
		store:   st,
		opts:    opts,
		log:     deps.Logger.With().Str("component", "registry").Logger(),
		bridges: make(map[string]*bridge.Bridge),
	}
}

// Get returns the live bridge for key, if any.
func (r *Registry) Get(key string) (*bridge.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[domain.SessionKey(key)]
	if ok && b.Closed() {
		// Retired by a sweep that has not unlinked it yet.
		return nil, false
	}
	return b, ok
}

// Len returns the number of live bridges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// GetOrCreate returns the bridge for an existing upstream session, opening
// it on first use. Concurrent first connects share one Open.
func (r *Registry) GetOrCreate(ctx context.Context, key string) (*bridge.Bridge, error) {
	key = domain.SessionKey(key)
	if key == "" {
		return nil, domain.ErrSessionNotFound
	}
	if b, ok := r.Get(key); ok {
		return b, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if b, ok := r.Get(key); ok {
			return b, nil
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.OpenTimeout)
		defer cancel()

		b, err := bridge.Open(openCtx, r.deps, key)
		if err != nil {
			return nil, err
		}
		r.put(b)
		r.record(openCtx, &domain.Session{Key: key, Source: b.Source(), State: b.Snapshot().State})
		r.log.Info().Str("session", key).Msg("bridge opened")
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*bridge.Bridge), nil
}

// Create starts a new upstream session and its bridge.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*bridge.Bridge, error) {
	session, err := r.agent.CreateSession(ctx, agentapi.CreateSessionRequest{
		Prompt:         p.Prompt,
		Title:          p.Title,
		Source:         p.Source,
		StartingBranch: p.StartingBranch,
		AutoCreatePR:   p.AutoCreatePR,
	})
	if err != nil {
		return nil, err
	}
	if session.Name == "" && session.ID == "" {
		return nil, errors.New("upstream returned a session without a name")
	}
	if session.Name == "" {
		session.Name = domain.SessionKey(session.ID)
	}

	b := bridge.New(r.deps, session)
	r.put(b)
	r.record(ctx, &domain.Session{
		Key:          b.Key(),
		Source:       p.Source,
		Prompt:       p.Prompt,
		Title:        session.Title,
		AutoCreatePR: p.AutoCreatePR,
		State:        b.Snapshot().State,
	})
	r.log.Info().Str("session", b.Key()).Str("source", p.Source).Msg("session created")
	return b, nil
}

// Remove closes the bridge for key. With deleteUpstream the session is also
// deleted upstream and from the ledger.
func (r *Registry) Remove(ctx context.Context, key string, deleteUpstream bool) error {
	key = domain.SessionKey(key)
	r.mu.Lock()
	b, ok := r.bridges[key]
	delete(r.bridges, key)
	r.mu.Unlock()
	if ok {
		b.Close()
	}

	if !deleteUpstream {
		return nil
	}
	if err := r.agent.DeleteSession(ctx, key); err != nil && !agentapi.IsNotFound(err) {
		return err
	}
	if r.store != nil {
		if err := r.store.DeleteSession(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// RunEvictionMonitor sweeps idle bridges until ctx is done.
func (r *Registry) RunEvictionMonitor(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep evicts every bridge that has had no subscribers for longer than
// IdleTimeout and is either terminal or has been unattended for longer than
// MaxPendingIdle. It returns the evicted keys.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	candidates := make([]*bridge.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		candidates = append(candidates, b)
	}
	r.mu.Unlock()

	var keys []string
	for _, b := range candidates {
		retired := b.TryRetire(r.opts.IdleTimeout, r.opts.MaxPendingIdle, now)
		if !retired && !b.Closed() {
			continue
		}
		r.mu.Lock()
		if r.bridges[b.Key()] == b {
			delete(r.bridges, b.Key())
		}
		r.mu.Unlock()
		if retired {
			keys = append(keys, b.Key())
			r.log.Info().Str("session", b.Key()).Msg("bridge evicted")
		}
	}
	return keys
}

// Shutdown closes every bridge.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	bridges := r.bridges
	r.bridges = make(map[string]*bridge.Bridge)
	r.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}

func (r *Registry) put(b *bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bridges[b.Key()]; ok && old != b {
		go old.Close()
	}
	r.bridges[b.Key()] = b
}

func (r *Registry) record(ctx context.Context, session *domain.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertSession(ctx, session); err != nil {
		r.log.Warn().Err(err).Str("session", session.Key).Msg("failed to record session")
	}
}
