package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/state"
	"github.com/xiaot623/gogo/bridge/internal/translator"
)

// run is the bridge's only writer. Polls and commands are taken one at a
// time from the same select, so they never overlap.
func (b *Bridge) run() {
	defer close(b.done)

	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()
	suspended := false

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return

		case req := <-b.commands:
			req.reply <- b.execute(req.cmd)

		case <-b.wake:
			if suspended && !b.stopped && b.pollActive(time.Now()) {
				suspended = false
				timer.Reset(0)
			}

		case <-timer.C:
			if b.stopped {
				continue
			}
			if !b.pollActive(time.Now()) {
				b.log.Debug().Msg("no subscribers, polling suspended")
				suspended = true
				continue
			}
			b.pollOnce()
			if !b.stopped {
				timer.Reset(b.nextDelay())
			}
		}
	}
}

// drain fails every queued command once the bridge is closing.
func (b *Bridge) drain() {
	for {
		select {
		case req := <-b.commands:
			req.reply <- reply{err: domain.ErrBridgeClosed}
		default:
			return
		}
	}
}

// pollActive reports whether upstream should be polled: a subscriber is
// attached, or the last one left less than DetachGrace ago.
func (b *Bridge) pollActive(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) > 0 || now.Sub(b.lastActive) < b.opts.DetachGrace
}

// nextDelay is the poll interval, doubled per consecutive failure up to
// MaxBackoff.
func (b *Bridge) nextDelay() time.Duration {
	delay := b.opts.PollInterval
	for i := 0; i < b.failures; i++ {
		delay *= 2
		if delay >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	return delay
}

func (b *Bridge) pollOnce() {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.PollTimeout)
	defer cancel()

	b.polls++
	err := b.sync(ctx, nil)
	if err == nil {
		if b.failures > 0 {
			b.log.Info().Int("failures", b.failures).Msg("upstream reachable again")
		}
		b.failures = 0
		return
	}
	if b.ctx.Err() != nil {
		return
	}

	if agentapi.IsNotFound(err) {
		b.fail("session no longer exists upstream", err)
		return
	}
	if code := agentapi.StatusCode(err); code != 0 && !agentapi.IsTransient(err) {
		b.fail(fmt.Sprintf("upstream refused the session with status %d", code), err)
		return
	}

	b.failures++
	b.log.Warn().Err(err).Int("failures", b.failures).Msg("poll failed")
	if b.failures >= b.opts.FailureThreshold {
		b.fail(fmt.Sprintf("upstream unreachable after %d attempts", b.failures), err)
	}
}

// sync fetches new activities and the session, translating and emitting
// everything not seen yet. session may be passed in when already fetched.
func (b *Bridge) sync(ctx context.Context, session *agentapi.Session) error {
	activities, token, err := b.fetchActivities(ctx)
	if err != nil {
		return &domain.TransientUpstreamError{Op: "list activities", Err: err}
	}

	fresh := activities[:0]
	for _, a := range activities {
		if !b.seen[translator.EventID(b.key, a)] {
			fresh = append(fresh, a)
		}
	}

	if session == nil && (len(fresh) > 0 || b.polls%b.opts.SessionRefreshEvery == 0) {
		session, err = b.deps.Agent.GetSession(ctx, b.key)
		if err != nil {
			return &domain.TransientUpstreamError{Op: "get session", Err: err}
		}
	}

	info := translator.InfoFromSession(session)
	if info.Source == "" {
		info.Source = b.source
	}

	for _, a := range fresh {
		if cs := translator.ChangeSetOf(a); cs != nil {
			cs.Source = firstNonEmpty(cs.Source, b.source)
			b.rememberChangeSet(cs)
		}
		info.HasPatch = b.changeSet != nil
		for _, ev := range translator.Translate(b.key, a, info) {
			if b.seen[ev.ID] || b.suppressEcho(ev) {
				b.seen[ev.ID] = true
				continue
			}
			b.emit(ev)
		}
	}

	if session != nil {
		b.observeSession(session)
	}
	// Only now is everything before token delivered.
	b.pageToken = token
	return nil
}

// fetchActivities reads from the last page it saw to the end and returns the
// token of the last page read. A rejected resume token restarts from the
// first page; dedup absorbs the repeats.
func (b *Bridge) fetchActivities(ctx context.Context) ([]agentapi.Activity, string, error) {
	activities, token, err := b.readPages(ctx, b.pageToken)
	if err != nil && b.pageToken != "" && agentapi.StatusCode(err) == http.StatusBadRequest {
		b.log.Info().Msg("page token rejected, reading activities from the start")
		b.pageToken = ""
		activities, token, err = b.readPages(ctx, "")
	}
	return activities, token, err
}

func (b *Bridge) readPages(ctx context.Context, token string) ([]agentapi.Activity, string, error) {
	var out []agentapi.Activity
	for {
		page, err := b.deps.Agent.ListActivities(ctx, b.key, b.opts.PageSize, token)
		if err != nil {
			return nil, "", err
		}
		out = append(out, page.Activities...)
		if page.NextPageToken == "" {
			return out, token, nil
		}
		token = page.NextPageToken
	}
}

// observeSession emits a status event when upstream reports a new state or
// a pull request first appears. State is only ever changed by what upstream
// says, so an approval it has not caught up with does not flicker back.
func (b *Bridge) observeSession(session *agentapi.Session) {
	if b.source == "" {
		b.setSource(session.Source())
	}
	if b.changeSet == nil {
		for _, out := range session.Outputs {
			if out.ChangeSet == nil || out.ChangeSet.GitPatch == nil || out.ChangeSet.GitPatch.UnidiffPatch == "" {
				continue
			}
			gp := out.ChangeSet.GitPatch
			b.rememberChangeSet(&domain.ChangeSet{
				Source:        firstNonEmpty(out.ChangeSet.Source, b.source),
				Patch:         gp.UnidiffPatch,
				CommitMessage: gp.SuggestedCommitMessage,
				BaseCommitID:  gp.BaseCommitID,
			})
		}
	}

	upstream := domain.SessionState(session.State)
	prURL := session.PullRequestURL()
	snap := b.Snapshot()

	stateChanged := upstream.Valid() && upstream != b.upstreamState
	newPR := prURL != "" && snap.PullRequestURL == ""
	if !stateChanged && !newPR {
		return
	}

	ev := domain.ActivityEvent{
		ID:         b.localID(),
		Type:       domain.EventTypeStatus,
		Originator: domain.OriginatorSystem,
		Timestamp:  time.Now().UTC(),
		SessionID:  domain.SessionID(b.key),
	}
	if stateChanged {
		b.upstreamState = upstream
		ev.SessionState = upstream
		ev.Content = "Session state: " + string(upstream)
	}
	if newPR {
		ev.PullRequestURL = prURL
		if ev.Content == "" {
			ev.Content = "Pull request created: " + prURL
		}
	}
	b.emit(ev)
}

// fail ends polling for good and moves the session to a bridge-local FAILED
// state that no later event can leave.
func (b *Bridge) fail(reason string, cause error) {
	fatal := &domain.BridgeFatalError{SessionKey: b.key, Reason: reason, Err: cause}
	b.log.Error().Err(fatal).Msg("bridge failed")
	b.stopped = true

	ev := domain.ActivityEvent{
		ID:         b.localID(),
		Type:       domain.EventTypeFailed,
		Originator: domain.OriginatorSystem,
		Timestamp:  time.Now().UTC(),
		Content:    "Lost contact with the agent: " + reason,
		Reason:     reason,
		SessionID:  domain.SessionID(b.key),
	}
	b.publish(ev, state.FailBridge(b.Snapshot(), reason))
}

// rememberChangeSet keeps the newest change set in memory and in the ledger.
func (b *Bridge) rememberChangeSet(cs *domain.ChangeSet) {
	b.changeSet = cs
	if b.deps.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.deps.Ledger.SaveChangeSet(ctx, b.key, cs); err != nil {
		b.log.Warn().Err(err).Msg("failed to record change set")
	}
}

// restorePublishResults folds ledger state from an earlier bridge for the
// same session into the snapshot, without replaying it as events.
func (b *Bridge) restorePublishResults(ctx context.Context) error {
	if b.deps.Ledger == nil {
		return nil
	}
	results, err := b.deps.Ledger.ListPublishResults(ctx, b.key)
	if err != nil {
		return err
	}
	cs, err := b.deps.Ledger.GetChangeSet(ctx, b.key)
	if err != nil {
		return err
	}
	if !cs.Empty() {
		b.changeSet = cs
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range results {
		b.snapshot = state.Reduce(b.snapshot, domain.ActivityEvent{Type: domain.EventTypePublish, Publish: &results[i]})
	}
	if b.changeSet != nil {
		b.snapshot.HasPatch = true
	}
	return nil
}

// suppressEcho reports whether ev is upstream's copy of an event the bridge
// already echoed locally when the command succeeded.
func (b *Bridge) suppressEcho(ev domain.ActivityEvent) bool {
	key := echoKey(ev)
	if key == "" || b.echoes[key] == 0 {
		return false
	}
	b.echoes[key]--
	if b.echoes[key] == 0 {
		delete(b.echoes, key)
	}
	return true
}

func echoKey(ev domain.ActivityEvent) string {
	switch {
	case ev.Type == domain.EventTypeMessage && ev.Originator == domain.OriginatorUser:
		return "message:" + ev.Content
	case ev.Type == domain.EventTypePlanApproved:
		return "plan_approved"
	}
	return ""
}

var errSubscriberFull = errors.New("subscriber buffer full")

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
