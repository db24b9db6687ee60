package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/patch"
	"github.com/xiaot623/gogo/bridge/internal/policy"
	"github.com/xiaot623/gogo/bridge/internal/repohost"
	"github.com/xiaot623/gogo/bridge/internal/state"
	"github.com/xiaot623/gogo/bridge/internal/translator"
)

// PatchInstructions tells a client how to apply a fetched patch.
const PatchInstructions = "Save the patch as changes.patch in your repository and run: git apply changes.patch"

type request struct {
	cmd   domain.Command
	reply chan reply
}

type reply struct {
	result *domain.CommandResult
	err    error
}

// Submit queues cmd and waits for its result. Commands run in submission
// order. If ctx ends first Submit returns its error, but a queued command
// still runs to completion and its events are delivered to subscribers.
func (b *Bridge) Submit(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	req := &request{cmd: cmd, reply: make(chan reply, 1)}

	select {
	case b.commands <- req:
	case <-b.done:
		return nil, domain.ErrBridgeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-b.done:
		return nil, domain.ErrBridgeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs one command on the loop goroutine. It is bounded by
// CommandTimeout and never by the submitter's context.
func (b *Bridge) execute(cmd domain.Command) reply {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.CommandTimeout)
	defer cancel()

	logger := b.log.With().Str("command", string(cmd.Kind)).Logger()
	start := time.Now()

	switch cmd.Kind {
	case domain.CommandCreateBranch, domain.CommandCreatePR, domain.CommandFetchPatch:
		if err := b.loadChangeSet(ctx, cmd.Kind == domain.CommandFetchPatch); err != nil {
			err = b.commandError(cmd.Kind, err)
			logger.Warn().Err(err).Msg("failed to load change set")
			return reply{err: err}
		}
	}

	if err := b.admit(ctx, cmd); err != nil {
		logger.Info().Err(err).Msg("command rejected")
		return reply{err: err}
	}

	var (
		result *domain.CommandResult
		err    error
	)
	switch cmd.Kind {
	case domain.CommandSendMessage:
		result, err = b.sendMessage(ctx, cmd)
	case domain.CommandApprovePlan:
		result, err = b.approvePlan(ctx, cmd)
	case domain.CommandCreateBranch, domain.CommandCreatePR:
		result, err = b.publishPatch(ctx, cmd)
	case domain.CommandFetchPatch:
		result, err = b.fetchPatch(cmd)
	default:
		err = domain.Reject(cmd.Kind, "unknown command")
	}

	if err != nil {
		err = b.commandError(cmd.Kind, err)
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("command failed")
		return reply{err: err}
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("command executed")
	return reply{result: result}
}

func (b *Bridge) admit(ctx context.Context, cmd domain.Command) error {
	if b.deps.Policy == nil {
		return nil
	}
	hasPatch := b.changeSet != nil
	decision, err := b.deps.Policy.Admit(ctx, policy.NewInput(cmd, b.Snapshot(), hasPatch))
	if err != nil {
		return &domain.CommandExecutionError{Command: cmd.Kind, Reason: "policy evaluation failed", Err: err}
	}
	if !decision.Allow {
		return domain.Reject(cmd.Kind, decision.Reason)
	}
	return nil
}

func (b *Bridge) sendMessage(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	if err := b.deps.Agent.SendMessage(ctx, b.key, cmd.Text); err != nil {
		return nil, err
	}

	ev := domain.ActivityEvent{
		ID:         b.localID(),
		Type:       domain.EventTypeMessage,
		Originator: domain.OriginatorUser,
		Timestamp:  time.Now().UTC(),
		Content:    cmd.Text,
	}
	b.echoes[echoKey(ev)]++
	b.emit(ev)
	return &domain.CommandResult{Command: cmd.Kind, Event: &ev}, nil
}

func (b *Bridge) approvePlan(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	snap := b.Snapshot()
	planID := snap.PendingPlanID
	next, ok := state.ApproveOptimistic(snap)
	if !ok {
		return nil, domain.Reject(cmd.Kind, "no plan is awaiting approval")
	}

	if err := b.deps.Agent.ApprovePlan(ctx, b.key); err != nil {
		return nil, err
	}

	ev := domain.ActivityEvent{
		ID:         b.localID(),
		Type:       domain.EventTypePlanApproved,
		Originator: domain.OriginatorUser,
		Timestamp:  time.Now().UTC(),
		Content:    "Plan approved",
	}
	if planID != state.UnknownPlanID {
		ev.PlanID = planID
	}
	b.echoes[echoKey(ev)]++
	b.publish(ev, state.Reduce(next, ev))
	return &domain.CommandResult{Command: cmd.Kind, Event: &ev}, nil
}

// publishPatch pushes the session's change set to the repo host. A PR
// requested after a branch was already pushed is opened from that branch.
func (b *Bridge) publishPatch(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	if b.deps.Repo == nil {
		return nil, domain.Reject(cmd.Kind, "repository host is not configured")
	}
	cs := b.changeSet
	if cs.Empty() {
		return nil, domain.Reject(cmd.Kind, "the session has no patch to publish")
	}

	owner, repo, err := repohost.ParseSource(firstNonEmpty(cs.Source, b.source))
	if err != nil {
		return nil, domain.Reject(cmd.Kind, err.Error())
	}

	snap := b.Snapshot()
	var result *domain.PublishResult
	if cmd.Kind == domain.CommandCreatePR && snap.HasBranch() {
		title, body := splitMessage(cs.CommitMessage)
		base := cmd.Base
		if base == "" {
			base = "main"
		}
		result, err = b.deps.Repo.OpenPullRequest(ctx, owner, repo, snap.BranchName, base, title, body)
	} else {
		result, err = b.deps.Repo.PublishPatch(ctx, repohost.PublishRequest{
			Owner:         owner,
			Repo:          repo,
			Patch:         cs.Patch,
			CommitMessage: cs.CommitMessage,
			Base:          cmd.Base,
			BaseCommitID:  cs.BaseCommitID,
			BranchOnly:    cmd.Kind == domain.CommandCreateBranch,
		})
	}
	if err != nil {
		return nil, err
	}

	if b.deps.Ledger != nil {
		if _, err := b.deps.Ledger.SavePublishResult(ctx, b.key, result); err != nil {
			b.log.Warn().Err(err).Msg("failed to record publish result")
		}
	}

	ev := domain.ActivityEvent{
		ID:         b.localID(),
		Type:       domain.EventTypePublish,
		Originator: domain.OriginatorSystem,
		Timestamp:  time.Now().UTC(),
		Content:    publishText(result),
		Publish:    result,
	}
	if result.Kind == domain.PublishPRCreated {
		ev.PullRequestURL = result.URL
	}
	b.emit(ev)
	return &domain.CommandResult{Command: cmd.Kind, Event: &ev, Publish: result}, nil
}

// fetchPatch hands the change set to the caller only; nothing is broadcast.
func (b *Bridge) fetchPatch(cmd domain.Command) (*domain.CommandResult, error) {
	cs := b.changeSet
	if cs.Empty() {
		return nil, domain.Reject(cmd.Kind, "the session has no patch yet")
	}

	return &domain.CommandResult{
		Command: cmd.Kind,
		Patch: &domain.PatchBlob{
			Patch:         cs.Patch,
			CommitMessage: cs.CommitMessage,
			Files:         patch.Files(cs.Patch),
			Instructions:  PatchInstructions,
		},
	}, nil
}

// loadChangeSet makes sure the newest known change set is in memory: first
// from the ledger, then, when scan is set, from the full activity history.
func (b *Bridge) loadChangeSet(ctx context.Context, scan bool) error {
	if b.changeSet != nil {
		return nil
	}
	if b.deps.Ledger != nil {
		cs, err := b.deps.Ledger.GetChangeSet(ctx, b.key)
		if err != nil {
			return fmt.Errorf("load change set: %w", err)
		}
		if !cs.Empty() {
			b.changeSet = cs
			return nil
		}
	}
	if !scan {
		return nil
	}
	return b.scanChangeSet(ctx)
}

// scanChangeSet reads the whole activity history looking for the newest
// change set, for records that scrolled past the poller's page window.
func (b *Bridge) scanChangeSet(ctx context.Context) error {
	activities, err := b.deps.Agent.AllActivities(ctx, b.key)
	if err != nil {
		return err
	}
	var found *domain.ChangeSet
	for _, a := range activities {
		if cs := translator.ChangeSetOf(a); cs != nil {
			found = cs
		}
	}
	if found != nil {
		found.Source = firstNonEmpty(found.Source, b.source)
		b.rememberChangeSet(found)
	}
	return nil
}

// commandError maps a failure into a CommandExecutionError carrying the
// upstream reason.
func (b *Bridge) commandError(kind domain.CommandKind, err error) error {
	var ce *domain.CommandExecutionError
	if errors.As(err, &ce) {
		return ce
	}

	out := &domain.CommandExecutionError{Command: kind, Reason: err.Error(), Err: err}
	if code := agentapi.StatusCode(err); code != 0 {
		out.StatusCode = code
		var apiErr *agentapi.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			out.Reason = apiErr.Message
		}
	} else if code := repohost.StatusCode(err); code != 0 {
		out.StatusCode = code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Reason = fmt.Sprintf("upstream did not respond within %s", b.opts.CommandTimeout)
	}
	return out
}

func publishText(r *domain.PublishResult) string {
	switch r.Kind {
	case domain.PublishPRCreated:
		if r.Number > 0 {
			return fmt.Sprintf("Opened pull request #%d: %s", r.Number, r.URL)
		}
		return "Opened pull request: " + r.URL
	case domain.PublishBranchCreated:
		return fmt.Sprintf("Pushed branch %s: %s", r.Branch, r.URL)
	}
	return "Publish failed: " + r.Reason
}

func splitMessage(msg string) (title, body string) {
	title, body, _ = strings.Cut(strings.TrimSpace(msg), "\n")
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if title == "" {
		title = "Apply agent changes"
	}
	return title, body
}
