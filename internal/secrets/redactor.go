package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	Match    string
}

// Redactor scans text with the default Gitleaks rules plus an allowlist.
// It is safe for concurrent use.
type Redactor struct {
	cfg      gitleaksConfig.Config
	logger   *zap.Logger
	redacted atomic.Uint64
}

// New loads the default Gitleaks rules and applies allowlist, which may be
// nil.
func New(allowlist *Allowlist, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	cfg := d.Config
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		if err := applyAllowlist(&cfg, allowlist); err != nil {
			return nil, err
		}
	}
	return &Redactor{cfg: cfg, logger: logger}, nil
}

// applyAllowlist adds the patterns as a global Gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "conductor allowlist"}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	found := detect.NewDetector(r.cfg).DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			Match:    f.Secret,
		})
	}
	return out
}

// Scrub returns content with every detected secret replaced by a
// [REDACTED:rule-id:preview] marker.
func (r *Redactor) Scrub(content string) string {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	seen := make(map[string]bool, len(findings))
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		if seen[f.Match] {
			continue
		}
		seen[f.Match] = true
		rules = append(rules, f.RuleID)
		content = strings.ReplaceAll(content, f.Match, marker(f))
	}

	r.redacted.Add(uint64(len(seen)))
	r.logger.Debug("secrets redacted", zap.Int("count", len(seen)), zap.Strings("rules", rules))
	return content
}

// Redacted returns how many distinct secrets Scrub has replaced.
func (r *Redactor) Redacted() uint64 { return r.redacted.Load() }

func marker(f Finding) string {
	return fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Match, 4))
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
