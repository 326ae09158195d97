// Package fingerprint generates stable fingerprints for learning candidates,
// enabling cross-repository deduplication and promotion tracking.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/thebtf/coach/pkg/models"
)

// DefaultThreshold is the keyword-similarity cutoff for treating two
// candidates as duplicates.
const DefaultThreshold = 0.6

// Rule rewrites text matching Pattern to a placeholder during normalization.
type Rule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Bucket generalizes a concrete tool name to a category placeholder, so
// "pytest fails" and "jest fails" fingerprint identically.
type Bucket struct {
	Tool        string `yaml:"tool"`
	Replacement string `yaml:"replacement"`
}

// DefaultRules returns the built-in placeholder rules, applied in order.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `https?://[^\s]+`, Replacement: "<URL>"},
		{Pattern: `/[a-zA-Z0-9_\-./]+`, Replacement: "<PATH>"},
		{Pattern: `[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`, Replacement: "<UUID>"},
		{Pattern: `[a-f0-9]{32,}`, Replacement: "<HASH>"},
		{Pattern: `\b\d+\b`, Replacement: "<NUM>"},
	}
}

// DefaultBuckets returns the built-in tool generalization table.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Tool: "pytest", Replacement: "<TEST_RUNNER>"},
		{Tool: "jest", Replacement: "<TEST_RUNNER>"},
		{Tool: "mocha", Replacement: "<TEST_RUNNER>"},
		{Tool: "vitest", Replacement: "<TEST_RUNNER>"},
		{Tool: "phpunit", Replacement: "<TEST_RUNNER>"},
		{Tool: "rspec", Replacement: "<TEST_RUNNER>"},
		{Tool: "go test", Replacement: "<TEST_RUNNER>"},
		{Tool: "npm", Replacement: "<PKG_MANAGER>"},
		{Tool: "pnpm", Replacement: "<PKG_MANAGER>"},
		{Tool: "yarn", Replacement: "<PKG_MANAGER>"},
		{Tool: "pip", Replacement: "<PKG_MANAGER>"},
		{Tool: "poetry", Replacement: "<PKG_MANAGER>"},
		{Tool: "composer", Replacement: "<PKG_MANAGER>"},
		{Tool: "cargo", Replacement: "<PKG_MANAGER>"},
		{Tool: "go mod", Replacement: "<PKG_MANAGER>"},
		{Tool: "webpack", Replacement: "<BUILD_TOOL>"},
		{Tool: "vite", Replacement: "<BUILD_TOOL>"},
		{Tool: "esbuild", Replacement: "<BUILD_TOOL>"},
		{Tool: "rollup", Replacement: "<BUILD_TOOL>"},
		{Tool: "tsc", Replacement: "<BUILD_TOOL>"},
		{Tool: "make", Replacement: "<BUILD_TOOL>"},
		{Tool: "eslint", Replacement: "<LINTER>"},
		{Tool: "prettier", Replacement: "<LINTER>"},
		{Tool: "pylint", Replacement: "<LINTER>"},
		{Tool: "flake8", Replacement: "<LINTER>"},
		{Tool: "rubocop", Replacement: "<LINTER>"},
		{Tool: "phpcs", Replacement: "<LINTER>"},
	}
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// Engine normalizes candidate text and computes fingerprints. The rule and
// bucket tables are data; callers may extend or replace them via config.
type Engine struct {
	rules     []compiledRule
	buckets   []compiledRule
	threshold float64
}

var (
	punctRe = regexp.MustCompile(`[^\w\s<>]`)
	wsRe    = regexp.MustCompile(`\s+`)
)

// New compiles an engine from explicit tables. Threshold <= 0 falls back to
// DefaultThreshold.
func New(rules []Rule, buckets []Bucket, threshold float64) (*Engine, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	e := &Engine{threshold: threshold}

	for _, b := range buckets {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(b.Tool) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile bucket %q: %w", b.Tool, err)
		}
		e.buckets = append(e.buckets, compiledRule{re: re, replacement: b.Replacement})
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Pattern, err)
		}
		e.rules = append(e.rules, compiledRule{re: re, replacement: r.Replacement})
	}
	return e, nil
}

// NewDefault compiles an engine from the built-in tables.
func NewDefault() *Engine {
	e, err := New(DefaultRules(), DefaultBuckets(), DefaultThreshold)
	if err != nil {
		panic(err) // built-in tables always compile
	}
	return e
}

// Normalize lowercases text, generalizes tool names, replaces volatile
// content (paths, URLs, numbers, ids) with placeholders, strips punctuation
// and collapses whitespace.
func (e *Engine) Normalize(text string) string {
	if text == "" {
		return ""
	}
	result := strings.ToLower(text)
	for _, b := range e.buckets {
		result = b.re.ReplaceAllString(result, b.replacement)
	}
	for _, r := range e.rules {
		result = r.re.ReplaceAllString(result, r.replacement)
	}
	result = punctRe.ReplaceAllString(result, "")
	result = wsRe.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// Keywords extracts significant words from normalized text: longer than two
// characters and not a placeholder.
func (e *Engine) Keywords(text string) map[string]struct{} {
	words := strings.Fields(e.Normalize(text))
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) > 2 && !strings.HasPrefix(w, "<") {
			out[w] = struct{}{}
		}
	}
	return out
}

// Fingerprint computes the stable SHA-256 digest for a candidate's type,
// trigger and action.
func (e *Engine) Fingerprint(typ models.CandidateType, trigger, action string) string {
	combined := string(typ) + "|" + e.Normalize(trigger) + "|" + e.Normalize(action)
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}

// FingerprintCandidate computes the digest for a candidate value.
func (e *Engine) FingerprintCandidate(c *models.Candidate) string {
	return e.Fingerprint(c.Type, c.Trigger, c.Action)
}

// Similarity computes Jaccard similarity between the keyword sets of two
// texts. Returns 0 when either set is empty.
func (e *Engine) Similarity(a, b string) float64 {
	ka := e.Keywords(a)
	kb := e.Keywords(b)
	if len(ka) == 0 || len(kb) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range ka {
		if _, ok := kb[w]; ok {
			intersection++
		}
	}
	union := len(ka) + len(kb) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// IsSimilar reports whether two candidates should be treated as duplicates:
// identical fingerprints, or matching types with trigger+action keyword
// similarity at or above the engine threshold.
func (e *Engine) IsSimilar(a, b *models.Candidate) bool {
	if e.FingerprintCandidate(a) == e.FingerprintCandidate(b) {
		return true
	}
	if a.Type != b.Type {
		return false
	}
	return e.Similarity(a.Trigger+" "+a.Action, b.Trigger+" "+b.Action) >= e.threshold
}
