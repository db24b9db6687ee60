package store

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/bridge/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session := &domain.Session{Key: "sessions/1", Source: "sources/github/acme/app", Prompt: "fix it", AutoCreatePR: true}
	if err := store.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "sessions/1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.Source != "sources/github/acme/app" || !got.AutoCreatePR || got.State != domain.StateQueued {
		t.Fatalf("unexpected session: %+v", got)
	}

	// A reconnect without creation params must not wipe what was recorded.
	if err := store.UpsertSession(ctx, &domain.Session{Key: "sessions/1", State: domain.StateInProgress}); err != nil {
		t.Fatalf("UpsertSession (reconnect) failed: %v", err)
	}
	got, _ = store.GetSession(ctx, "sessions/1")
	if got.Prompt != "fix it" || got.State != domain.StateInProgress || !got.AutoCreatePR {
		t.Fatalf("reconnect clobbered session: %+v", got)
	}

	if err := store.UpdateSessionState(ctx, "sessions/1", domain.StateCompleted); err != nil {
		t.Fatalf("UpdateSessionState failed: %v", err)
	}
	sessions, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != domain.StateCompleted {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	missing, err := store.GetSession(ctx, "sessions/404")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for unknown session, got %+v, %v", missing, err)
	}
}

func TestSQLiteStorePublishResultsAreUniquePerKind(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, &domain.Session{Key: "sessions/2"}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	branch := &domain.PublishResult{Kind: domain.PublishBranchCreated, Branch: "jules-patch-1", URL: "https://github.com/a/b/tree/jules-patch-1"}
	inserted, err := store.SavePublishResult(ctx, "sessions/2", branch)
	if err != nil || !inserted {
		t.Fatalf("first SavePublishResult: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.SavePublishResult(ctx, "sessions/2", branch)
	if err != nil || inserted {
		t.Fatalf("duplicate SavePublishResult: inserted=%v err=%v", inserted, err)
	}

	pr := &domain.PublishResult{Kind: domain.PublishPRCreated, URL: "https://github.com/a/b/pull/4", Number: 4}
	if _, err := store.SavePublishResult(ctx, "sessions/2", pr); err != nil {
		t.Fatalf("SavePublishResult pr failed: %v", err)
	}

	results, err := store.ListPublishResults(ctx, "sessions/2")
	if err != nil {
		t.Fatalf("ListPublishResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}

	if _, err := store.SavePublishResult(ctx, "sessions/2", &domain.PublishResult{Kind: domain.PublishFailed}); err == nil {
		t.Fatalf("expected failed results to be refused")
	}
}

func TestSQLiteStoreChangeSetAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, &domain.Session{Key: "sessions/3"}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	if err := store.SaveChangeSet(ctx, "sessions/3", &domain.ChangeSet{Patch: "v1"}); err != nil {
		t.Fatalf("SaveChangeSet failed: %v", err)
	}
	if err := store.SaveChangeSet(ctx, "sessions/3", &domain.ChangeSet{Patch: "v2", CommitMessage: "msg", BaseCommitID: "abc"}); err != nil {
		t.Fatalf("SaveChangeSet overwrite failed: %v", err)
	}
	cs, err := store.GetChangeSet(ctx, "sessions/3")
	if err != nil || cs == nil || cs.Patch != "v2" || cs.BaseCommitID != "abc" {
		t.Fatalf("unexpected change set: %+v, %v", cs, err)
	}

	if err := store.DeleteSession(ctx, "sessions/3"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	cs, err = store.GetChangeSet(ctx, "sessions/3")
	if err != nil || cs != nil {
		t.Fatalf("expected change set to be deleted with its session, got %+v, %v", cs, err)
	}
}
