package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is a detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Result is the outcome of one Redact call.
type Result struct {
	Text     string
	Findings []Finding
}

// Redactor replaces secrets found by the gitleaks default rule set with
// [REDACTED:<rule-id>] markers. The rule set is compiled once and shared.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	allow    []*regexp.Regexp
	logger   *zap.Logger
}

// NewRedactor builds a redactor. allowlist may be nil.
func NewRedactor(allowlist *Allowlist, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	allow := allowlist.compile()
	if len(allow) > 0 {
		applyAllowlist(&detector.Config, allow)
	}
	return &Redactor{detector: detector, allow: allow, logger: logger.Named("secrets")}, nil
}

// applyAllowlist registers the patterns as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allow []*regexp.Regexp) {
	global := &gitleaksConfig.Allowlist{Description: "ragd allowlist"}
	for _, re := range allow {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// Redact scans text and replaces every finding.
func (r *Redactor) Redact(text string) Result {
	r.mu.Lock()
	raw := r.detector.DetectString(text)
	r.mu.Unlock()

	type hit struct {
		secret string
		rule   string
	}
	var (
		hits     []hit
		findings []Finding
	)
	for _, f := range raw {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || r.allowed(secret) {
			continue
		}
		hits = append(hits, hit{secret: secret, rule: f.RuleID})
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
	}
	if len(hits) == 0 {
		return Result{Text: text}
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i].secret) > len(hits[j].secret) })
	out := text
	for _, h := range hits {
		out = strings.ReplaceAll(out, h.secret, "[REDACTED:"+h.rule+"]")
	}

	r.logger.Debug("redacted secrets", zap.Int("findings", len(findings)))
	return Result{Text: out, Findings: findings}
}

// Sanitize returns the redacted text and the number of findings.
func (r *Redactor) Sanitize(text string) (string, int) {
	res := r.Redact(text)
	return res.Text, len(res.Findings)
}

func (r *Redactor) allowed(secret string) bool {
	for _, re := range r.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}
