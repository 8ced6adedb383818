package usage

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

// DefaultCacheTTL is how long a fetched snapshot is served without re-running
// the tool.
const DefaultCacheTTL = 30 * time.Second

// DefaultCommandTimeout bounds a single tool invocation.
const DefaultCommandTimeout = 20 * time.Second

// unknownAfterFailures is the consecutive-failure streak that flips the
// tracker to Unknown.
const unknownAfterFailures = 3

// TrackerDeps provides the tracker's integration hooks.
type TrackerDeps struct {
	// Commands is the resolution order: native binary, then the package
	// runners. Each entry is a full argv.
	Commands [][]string
	// Run executes one command form and returns its combined output. Left nil,
	// it shells out; tests inject their own.
	Run func(ctx context.Context, argv []string) (string, error)
	// Persist stores a successful snapshot for history. Optional.
	Persist func(ctx context.Context, snapshot Snapshot) error
	// OnEvent is invoked on every state change. Optional.
	OnEvent func(evt Event)

	Now            func() time.Time
	CacheTTL       time.Duration
	CommandTimeout time.Duration
	Log            zerolog.Logger
}

// Tracker polls the external usage-reporting tool with caching and a
// fallback chain. It never blocks execution decisions: when it cannot tell,
// it says so and the scheduler treats that as permissive.
type Tracker struct {
	deps TrackerDeps

	mu       sync.Mutex
	last     *Snapshot
	failures int
	unknown  bool
}

// NewTracker builds a tracker.
func NewTracker(deps TrackerDeps) *Tracker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = DefaultCacheTTL
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = DefaultCommandTimeout
	}
	if deps.Run == nil {
		deps.Run = runCommand
	}
	deps.Log = deps.Log.With().Str("component", "usage").Logger()
	return &Tracker{deps: deps}
}

// Current returns the cached snapshot, or nil when usage is unknown.
func (t *Tracker) Current() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unknown {
		return nil
	}
	return t.last
}

// Refresh returns the cached snapshot if fresh enough, fetching otherwise.
func (t *Tracker) Refresh(ctx context.Context) (*Snapshot, error) {
	t.mu.Lock()
	last := t.last
	ttl := t.deps.CacheTTL
	now := t.deps.Now()
	t.mu.Unlock()
	if last != nil && last.Age(now) < ttl {
		return last, nil
	}
	return t.ForceRefresh(ctx)
}

// ForceRefresh bypasses the cache and polls the tool chain.
func (t *Tracker) ForceRefresh(ctx context.Context) (*Snapshot, error) {
	snapshot, err := t.fetch(ctx)
	if err != nil {
		t.recordFailure(err)
		return nil, err
	}
	t.recordSuccess(ctx, snapshot)
	return snapshot, nil
}

func (t *Tracker) fetch(ctx context.Context) (*Snapshot, error) {
	sources := [...]Source{SourceNativeTool, SourceNpxTool, SourceBunxTool}
	var lastErr error
	for i, argv := range t.deps.Commands {
		if len(argv) == 0 {
			continue
		}
		cmdCtx, cancel := context.WithTimeout(ctx, t.deps.CommandTimeout)
		output, err := t.deps.Run(cmdCtx, argv)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", argv[0], err)
			t.deps.Log.Debug().Err(err).Str("command", argv[0]).Msg("Usage tool invocation failed")
			continue
		}
		remaining, total, structured, err := parseToolOutput(output)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", argv[0], err)
			t.deps.Log.Debug().Err(err).Str("command", argv[0]).Msg("Usage tool output unparseable")
			continue
		}
		source := SourceTextParse
		if structured && i < len(sources) {
			source = sources[i]
		}
		return &Snapshot{
			RemainingMinutes: remaining,
			TotalMinutes:     total,
			Source:           source,
			FetchedAt:        jsontime.UM(t.deps.Now().UTC()),
			Raw:              strings.TrimSpace(output),
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usage tool commands configured")
	}
	return nil, lastErr
}

func (t *Tracker) recordSuccess(ctx context.Context, snapshot *Snapshot) {
	t.mu.Lock()
	wasUnknown := t.unknown
	prev := t.last
	t.last = snapshot
	t.failures = 0
	t.unknown = false
	t.mu.Unlock()

	if t.deps.Persist != nil {
		if err := t.deps.Persist(ctx, *snapshot); err != nil {
			t.deps.Log.Warn().Err(err).Msg("Failed to persist usage snapshot")
		}
	}
	if wasUnknown || prev == nil || prev.RemainingMinutes != snapshot.RemainingMinutes {
		t.emit(Event{Snapshot: snapshot})
	}
}

func (t *Tracker) recordFailure(err error) {
	t.mu.Lock()
	t.failures++
	flipped := !t.unknown && t.failures >= unknownAfterFailures
	if flipped {
		t.unknown = true
	}
	t.mu.Unlock()

	if flipped {
		t.deps.Log.Warn().Err(err).Int("failures", unknownAfterFailures).Msg("Usage tracking lost, treating as unknown")
		t.emit(Event{Unknown: true})
	}
}

func (t *Tracker) emit(evt Event) {
	if t.deps.OnEvent != nil {
		t.deps.OnEvent(evt)
	}
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	if _, err := exec.LookPath(argv[0]); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	stdout := strings.TrimSpace(string(out))
	if err != nil {
		if stdout != "" {
			return "", fmt.Errorf("usage tool failed: %w: %s", err, stdout)
		}
		return "", fmt.Errorf("usage tool failed: %w", err)
	}
	return stdout, nil
}
