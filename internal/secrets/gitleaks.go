package secrets

import (
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksDetector wraps the upstream Gitleaks SDK default ruleset (800+
// patterns) as a second detection pass alongside the hand-rolled rules in
// rules.go. It runs line-oriented, so findings are reported with byte offsets
// computed against the full content for merging with regex-rule redactions.
type gitleaksDetector struct {
	detector *detect.Detector
}

func newGitleaksDetector() (*gitleaksDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &gitleaksDetector{detector: d}, nil
}

// detect scans content with the Gitleaks default ruleset and returns
// redaction spans in the same coordinate space as the regexp-rule scanner.
func (g *gitleaksDetector) detect(content string) []redaction {
	if g == nil || g.detector == nil {
		return nil
	}

	findings := g.detector.DetectString(content)
	if len(findings) == 0 {
		return nil
	}

	lineOffsets := computeLineOffsets(content)
	out := make([]redaction, 0, len(findings))
	for _, f := range findings {
		if f.StartLine < 0 || f.StartLine >= len(lineOffsets) {
			continue
		}
		start := lineOffsets[f.StartLine] + f.StartColumn
		end := lineOffsets[f.StartLine] + f.EndColumn
		if start < 0 || end > len(content) || start >= end {
			continue
		}
		out = append(out, redaction{start: start, end: end, ruleID: "gitleaks:" + f.RuleID})
	}
	return out
}

// computeLineOffsets returns the byte offset of the start of each line,
// indexed from 0 (matching Gitleaks' zero-indexed StartLine).
func computeLineOffsets(content string) []int {
	offsets := []int{0}
	for i, r := range content {
		if r == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// describeGitleaksRule strips the "gitleaks:" prefix added in detect() for
// display purposes.
func describeGitleaksRule(ruleID string) string {
	return strings.TrimPrefix(ruleID, "gitleaks:")
}
