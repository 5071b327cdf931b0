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
)

// Scrubber redacts secrets from content.
type Scrubber interface {
	Scrub(content string) *Result
}

// Result is the outcome of one Scrub call. It never holds secret values.
type Result struct {
	Scrubbed      string         `json:"scrubbed"`
	Findings      []Finding      `json:"findings,omitempty"`
	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}

// Finding describes one redacted secret.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Length      int    `json:"length"`
}

// Detector scrubs with the gitleaks default rule set. The rule set is
// compiled once; detection is serialized because the gitleaks detector keeps
// per-scan state.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewDetector builds a Detector with allow applied. allow may be nil.
func NewDetector(allow *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if allow != nil && (len(allow.Paths) > 0 || len(allow.Regexes) > 0) {
		if err := allow.validate(); err != nil {
			return nil, err
		}
		applyAllowlist(&d.Config, allow)
	}
	return &Detector{detector: d}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	entry := &gitleaksConfig.Allowlist{Description: "taskgate allowlist"}
	for _, p := range allow.Paths {
		entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	for _, p := range allow.Regexes {
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
}

// Scrub replaces every detected secret with [REDACTED:<rule-id>].
func (d *Detector) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	if content == "" {
		return res
	}

	d.mu.Lock()
	found := d.detector.DetectString(content)
	d.mu.Unlock()
	if len(found) == 0 {
		return res
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })

	res.ByRule = make(map[string]int)
	scrubbed := content
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Length:      len(f.Secret),
		})
		res.ByRule[f.RuleID]++
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	res.Scrubbed = scrubbed
	res.TotalFindings = len(res.Findings)
	return res
}

// Nop passes content through unchanged. Used when scrubbing is disabled.
type Nop struct{}

// Scrub implements Scrubber.
func (Nop) Scrub(content string) *Result {
	return &Result{Scrubbed: content}
}
