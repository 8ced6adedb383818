package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/store"
)

// MaxPromptBytes is the largest prompt the engine will hand to the agent.
const MaxPromptBytes = 64 * 1024

// DangerPattern raises the risk level of a prompt when its regex matches.
type DangerPattern struct {
	Code    string
	Level   store.RiskLevel
	Pattern *regexp.Regexp
}

// builtinPatterns is the default danger table. Config can append more; the
// built-ins are never removed.
var builtinPatterns = []DangerPattern{
	{Code: "fork_bomb", Level: store.RiskCritical,
		Pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`)},
	{Code: "destructive_fs", Level: store.RiskCritical,
		Pattern: regexp.MustCompile(`(?i)\brm\s+-[a-z]*[rf][a-z]*\s+(?:--no-preserve-root\s+)?(?:/|~)(?:\s|$|\*)`)},
	{Code: "destructive_fs", Level: store.RiskCritical,
		Pattern: regexp.MustCompile(`(?i)\b(?:mkfs(?:\.[a-z0-9]+)?|fdisk|parted)\s+/dev/`)},
	{Code: "destructive_fs", Level: store.RiskCritical,
		Pattern: regexp.MustCompile(`(?i)\bdd\s+[^|;]*of=/dev/(?:sd|nvme|hd|mmcblk)`)},
	{Code: "credential_exfil", Level: store.RiskCritical,
		Pattern: regexp.MustCompile(`(?i)\b(?:curl|wget|nc)\b[^|;]*(?:api[_-]?key|secret|token|password|credentials)`)},
	{Code: "credential_access", Level: store.RiskHigh,
		Pattern: regexp.MustCompile(`(?i)(?:\.ssh/id_[a-z0-9]+|\.aws/credentials|\.netrc|/etc/shadow)`)},
	{Code: "privilege_escalation", Level: store.RiskMedium,
		Pattern: regexp.MustCompile(`(?i)\bsudo\s+`)},
	{Code: "world_writable", Level: store.RiskMedium,
		Pattern: regexp.MustCompile(`(?i)\bchmod\s+(?:-[a-z]+\s+)*0?777\b`)},
}

// SafetyPolicy evaluates prompts and working directories before any spawn.
type SafetyPolicy struct {
	patterns  []DangerPattern
	whitelist []string
}

// NewSafetyPolicy builds a policy over the built-in table plus extra regexes
// from config. Whitelist entries are cleaned to absolute paths.
func NewSafetyPolicy(extraPatterns []string, whitelist []string) (*SafetyPolicy, error) {
	patterns := make([]DangerPattern, len(builtinPatterns), len(builtinPatterns)+len(extraPatterns))
	copy(patterns, builtinPatterns)
	for _, raw := range extraPatterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			return nil, nperrors.Validationf("dangerous pattern %q: %v", raw, err)
		}
		patterns = append(patterns, DangerPattern{Code: "configured_pattern", Level: store.RiskHigh, Pattern: compiled})
	}
	cleaned := make([]string, 0, len(whitelist))
	for _, dir := range whitelist {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, nperrors.Validationf("whitelist entry %q: %v", dir, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		cleaned = append(cleaned, abs)
	}
	return &SafetyPolicy{patterns: patterns, whitelist: cleaned}, nil
}

// Assessment is the outcome of the pre-execution scan.
type Assessment struct {
	Level   store.RiskLevel
	Reasons []string
}

// ScanPrompt validates prompt size and classifies its risk. The scan is
// fail-closed: callers must treat an error as a hard stop.
func (p *SafetyPolicy) ScanPrompt(text string, skipPermissions bool) (Assessment, error) {
	assessment := Assessment{Level: store.RiskLow}
	if len(text) == 0 {
		return assessment, nperrors.Validationf("prompt is empty")
	}
	if len(text) > MaxPromptBytes {
		return assessment, nperrors.Validationf("prompt exceeds %d bytes", MaxPromptBytes)
	}
	if strings.ContainsRune(text, 0) {
		return assessment, nperrors.Validationf("prompt contains NUL bytes")
	}
	seen := make(map[string]bool)
	for _, pattern := range p.patterns {
		if !pattern.Pattern.MatchString(text) {
			continue
		}
		if pattern.Level > assessment.Level {
			assessment.Level = pattern.Level
		}
		if !seen[pattern.Code] {
			seen[pattern.Code] = true
			assessment.Reasons = append(assessment.Reasons, pattern.Code)
		}
	}
	// Skipping permission prompts is high-risk on its own, whatever the text.
	if skipPermissions && assessment.Level < store.RiskHigh {
		assessment.Level = store.RiskHigh
		assessment.Reasons = append(assessment.Reasons, "skip_permissions")
	}
	return assessment, nil
}

// ValidateWorkingDirectory resolves dir and checks it against the whitelist.
// An empty dir is allowed; the executor falls back to the data root.
func (p *SafetyPolicy) ValidateWorkingDirectory(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nperrors.Validationf("working directory %q: %v", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nperrors.Validationf("working directory %q does not exist", dir)
		}
		return "", nperrors.Validationf("working directory %q: %v", dir, err)
	}
	for _, allowed := range p.whitelist {
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: working directory %q outside whitelist", nperrors.ErrSafetyRejected, dir)
}
