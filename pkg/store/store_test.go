package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/s123104/night-pilot/pkg/nperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A second pooled connection would see its own empty memory database.
	raw.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	store, err := NewWithDB(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreatePrompt(t *testing.T, s *Store) *Prompt {
	t.Helper()
	prompt, err := s.CreatePrompt(context.Background(), "echo", "say hi", []string{"demo"})
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	return prompt
}

func mustCreateJob(t *testing.T, s *Store, promptID int64, status JobStatus, nextRunAt *time.Time) *Job {
	t.Helper()
	job := &Job{
		PromptID:  promptID,
		Mode:      JobModeImmediate,
		Status:    status,
		NextRunAt: nextRunAt,
		Retry:     DefaultRetryPolicy(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestPromptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := mustCreatePrompt(t, s)
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}

	loaded, err := s.GetPrompt(ctx, created.ID)
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if loaded.Title != "echo" || loaded.Content != "say hi" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded.Tags) != 1 || loaded.Tags[0] != "demo" {
		t.Fatalf("tags = %v", loaded.Tags)
	}

	if _, err = s.GetPrompt(ctx, 9999); !errors.Is(err, nperrors.ErrNotFound) {
		t.Fatalf("missing prompt error = %v, want not found", err)
	}
}

func TestListPromptsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreatePrompt(ctx, "morning report", "summarize inbox", []string{"daily"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreatePrompt(ctx, "deploy checklist", "review deploy", []string{"ops"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := s.ListPrompts(ctx, PromptFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %d prompts, err=%v", len(all), err)
	}
	byTag, err := s.ListPrompts(ctx, PromptFilter{Tag: "ops"})
	if err != nil || len(byTag) != 1 || byTag[0].Title != "deploy checklist" {
		t.Fatalf("byTag = %+v, err=%v", byTag, err)
	}
	bySearch, err := s.ListPrompts(ctx, PromptFilter{Search: "inbox"})
	if err != nil || len(bySearch) != 1 || bySearch[0].Title != "morning report" {
		t.Fatalf("bySearch = %+v, err=%v", bySearch, err)
	}
}

func TestJobRoundTripAndDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)

	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()
	due := mustCreateJob(t, s, prompt.ID, JobStatusScheduled, &past)
	deferred := mustCreateJob(t, s, prompt.ID, JobStatusCooldownDeferred, &past)
	mustCreateJob(t, s, prompt.ID, JobStatusScheduled, &future)
	mustCreateJob(t, s, prompt.ID, JobStatusPending, &past)

	dueJobs, err := s.DueJobs(ctx, time.Now())
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(dueJobs) != 2 {
		t.Fatalf("due = %d jobs, want 2", len(dueJobs))
	}
	gotIDs := map[int64]bool{dueJobs[0].ID: true, dueJobs[1].ID: true}
	if !gotIDs[due.ID] || !gotIDs[deferred.ID] {
		t.Fatalf("due ids = %v, want {%d, %d}", gotIDs, due.ID, deferred.ID)
	}
}

func TestMarkJobRunningIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)
	job := mustCreateJob(t, s, prompt.ID, JobStatusScheduled, nil)

	if err := s.MarkJobRunning(ctx, job.ID); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := s.MarkJobRunning(ctx, job.ID); !errors.Is(err, nperrors.ErrAlreadyRunning) {
		t.Fatalf("second mark error = %v, want already running", err)
	}
	count, err := s.CountRunning(ctx, job.ID)
	if err != nil || count != 1 {
		t.Fatalf("running count = %d, err=%v, want 1", count, err)
	}

	loaded, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if loaded.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", loaded.Attempts)
	}
}

func TestAppendResultWritesAuditAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)
	job := mustCreateJob(t, s, prompt.ID, JobStatusScheduled, nil)

	started := time.Now().Add(-5 * time.Second).UTC().Truncate(time.Millisecond)
	result := &ExecutionResult{
		JobID:     job.ID,
		Status:    ResultSuccess,
		StartedAt: started,
		EndedAt:   started.Add(2 * time.Second),
		Stdout:    "hi\n",
		ExitCode:  0,
	}
	audit := &ExecutionAudit{
		PromptSHA256:  HashPrompt("say hi"),
		OptionsDigest: (ExecutionOptions{}).Digest(),
		RiskLevel:     RiskLow,
	}
	if err := s.AppendResult(ctx, result, audit); err != nil {
		t.Fatalf("append result: %v", err)
	}
	if result.ID == 0 || audit.ID == 0 {
		t.Fatal("expected assigned ids")
	}
	if audit.ResultID == nil || *audit.ResultID != result.ID {
		t.Fatalf("audit.ResultID = %v, want %d", audit.ResultID, result.ID)
	}

	loadedAudit, err := s.GetAuditForResult(ctx, result.ID)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	if loadedAudit.RiskLevel != RiskLow || loadedAudit.PromptSHA256 != audit.PromptSHA256 {
		t.Fatalf("loaded audit = %+v", loadedAudit)
	}

	results, err := s.ListResults(ctx, ResultFilter{JobID: &job.ID})
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %d, err=%v", len(results), err)
	}
	if results[0].Stdout != "hi\n" || !results[0].StartedAt.Equal(started) {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestAppendAuditWithoutResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := &ExecutionAudit{
		PromptSHA256:  HashPrompt("rm -rf /"),
		OptionsDigest: (ExecutionOptions{}).Digest(),
		RiskLevel:     RiskCritical,
		RiskReasons:   []string{"destructive_fs"},
	}
	if err := s.AppendResult(ctx, nil, audit); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if audit.ID == 0 || audit.ResultID != nil {
		t.Fatalf("audit = %+v, want standalone row", audit)
	}
}

func TestDeletePromptCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)
	job := mustCreateJob(t, s, prompt.ID, JobStatusScheduled, nil)

	now := time.Now().UTC()
	result := &ExecutionResult{JobID: job.ID, Status: ResultSuccess, StartedAt: now, EndedAt: now}
	audit := &ExecutionAudit{PromptSHA256: "x", OptionsDigest: "y"}
	if err := s.AppendResult(ctx, result, audit); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeletePrompt(ctx, prompt.ID); err != nil {
		t.Fatalf("delete prompt: %v", err)
	}
	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, nperrors.ErrNotFound) {
		t.Fatalf("job should cascade away, got %v", err)
	}
	results, err := s.ListResults(ctx, ResultFilter{})
	if err != nil || len(results) != 0 {
		t.Fatalf("results should cascade away, got %d (err=%v)", len(results), err)
	}
	if _, err := s.GetAuditForResult(ctx, result.ID); !errors.Is(err, nperrors.ErrNotFound) {
		t.Fatalf("audit should cascade away, got %v", err)
	}
}

func TestJobForeignKeyEnforced(t *testing.T) {
	s := newTestStore(t)
	job := &Job{PromptID: 12345, Mode: JobModeImmediate, Status: JobStatusPending, Retry: DefaultRetryPolicy()}
	if err := s.CreateJob(context.Background(), job); !errors.Is(err, nperrors.ErrConflict) {
		t.Fatalf("dangling prompt_id error = %v, want conflict", err)
	}
}

func TestPruneResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)
	job := mustCreateJob(t, s, prompt.ID, JobStatusScheduled, nil)

	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().UTC()
	for _, started := range []time.Time{old, recent} {
		result := &ExecutionResult{JobID: job.ID, Status: ResultSuccess, StartedAt: started, EndedAt: started}
		if err := s.AppendResult(ctx, result, &ExecutionAudit{PromptSHA256: "x", OptionsDigest: "y"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	pruned, err := s.PruneResults(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("pruned = %d, err=%v, want 1", pruned, err)
	}
	remaining, err := s.ListResults(ctx, ResultFilter{})
	if err != nil || len(remaining) != 1 {
		t.Fatalf("remaining = %d, err=%v", len(remaining), err)
	}
}

func TestJobOptionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prompt := mustCreatePrompt(t, s)

	job := &Job{
		PromptID: prompt.ID,
		Mode:     JobModeCron,
		Status:   JobStatusScheduled,
		CronExpr: "0 9 * * *",
		Retry:    RetryPolicy{MaxAttempts: 5, BaseDelayMs: 1000, BackoffMult: 1.5},
		Options: ExecutionOptions{
			Mode:             ModeAsync,
			OutputFormat:     FormatJSON,
			TimeoutSeconds:   120,
			WorkingDirectory: "/tmp/pilot",
			SkipPermissions:  true,
		},
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	loaded, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if loaded.CronExpr != "0 9 * * *" || loaded.Retry.MaxAttempts != 5 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.Options.Digest() != job.Options.Digest() {
		t.Fatal("options digest changed across round trip")
	}
}
