package store

import (
	"testing"
	"time"
)

func TestExecutionOptionsDefaults(t *testing.T) {
	var opts ExecutionOptions
	if opts.EffectiveMode() != ModeSync {
		t.Fatalf("mode = %s, want sync", opts.EffectiveMode())
	}
	if opts.EffectiveFormat() != FormatText {
		t.Fatalf("format = %s, want text", opts.EffectiveFormat())
	}
	if opts.Timeout() != DefaultTimeoutSync {
		t.Fatalf("timeout = %v, want %v", opts.Timeout(), DefaultTimeoutSync)
	}

	opts.Mode = ModeAsync
	if opts.Timeout() != DefaultTimeoutAsync {
		t.Fatalf("async timeout = %v, want %v", opts.Timeout(), DefaultTimeoutAsync)
	}
	opts.TimeoutSeconds = 42
	if opts.Timeout() != 42*time.Second {
		t.Fatalf("explicit timeout = %v", opts.Timeout())
	}
}

func TestExecutionOptionsDigestStable(t *testing.T) {
	a := ExecutionOptions{OutputFormat: FormatJSON, TimeoutSeconds: 60, WorkingDirectory: "/srv"}
	b := ExecutionOptions{OutputFormat: FormatJSON, TimeoutSeconds: 60, WorkingDirectory: "/srv"}
	if a.Digest() != b.Digest() {
		t.Fatal("identical options must digest identically")
	}
	// Defaulted and explicit spellings of the same effective options match.
	c := ExecutionOptions{Mode: ModeSync, OutputFormat: FormatJSON, TimeoutSeconds: 60, WorkingDirectory: "/srv"}
	if a.Digest() != c.Digest() {
		t.Fatal("normalized defaults must not change the digest")
	}
	d := ExecutionOptions{OutputFormat: FormatJSON, TimeoutSeconds: 61, WorkingDirectory: "/srv"}
	if a.Digest() == d.Digest() {
		t.Fatal("different options must digest differently")
	}
}

func TestHashPrompt(t *testing.T) {
	if HashPrompt("say hi") == HashPrompt("say bye") {
		t.Fatal("different prompts must hash differently")
	}
	if len(HashPrompt("say hi")) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(HashPrompt("say hi")))
	}
}
