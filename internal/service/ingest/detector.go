package ingest

import (
	"strings"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/stream"
)

// Verdict is the outcome of inspecting one log event.
type Verdict int

const (
	// VerdictNone leaves the deployment state alone.
	VerdictNone Verdict = iota
	// VerdictReady marks the build as finished.
	VerdictReady
	// VerdictFail marks the build as failed.
	VerdictFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictReady:
		return "ready"
	case VerdictFail:
		return "fail"
	default:
		return "none"
	}
}

// Detector decides whether a log event ends its deployment.
type Detector interface {
	Detect(event stream.LogEvent) Verdict
}

// KeywordDetector matches markers in free-text log lines. Failure markers win;
// a completion marker only counts when no exclusion marker is present.
// Matching is case-insensitive.
type KeywordDetector struct {
	failure    []string
	completion []string
	exclusions []string
}

// NewKeywordDetector lower-cases and stores the marker sets.
func NewKeywordDetector(failure, completion, exclusions []string) KeywordDetector {
	return KeywordDetector{
		failure:    lowerAll(failure),
		completion: lowerAll(completion),
		exclusions: lowerAll(exclusions),
	}
}

// DefaultKeywordDetector uses the markers build scripts print today.
func DefaultKeywordDetector() KeywordDetector {
	return NewKeywordDetector([]string{"error", "build failed"}, []string{"done"}, []string{"error", "fail"})
}

// Detect implements Detector.
func (d KeywordDetector) Detect(event stream.LogEvent) Verdict {
	line := strings.ToLower(event.Log)
	if containsAny(line, d.failure) {
		return VerdictFail
	}
	if containsAny(line, d.completion) && !containsAny(line, d.exclusions) {
		return VerdictReady
	}
	return VerdictNone
}

// StructuredDetector trusts an explicit status field and falls back to another
// detector for lines without one.
type StructuredDetector struct {
	Fallback Detector
}

// Detect implements Detector.
func (d StructuredDetector) Detect(event stream.LogEvent) Verdict {
	switch domain.DeploymentState(strings.ToUpper(strings.TrimSpace(event.Status))) {
	case domain.StateReady:
		return VerdictReady
	case domain.StateFail:
		return VerdictFail
	}
	if d.Fallback == nil {
		return VerdictNone
	}
	return d.Fallback.Detect(event)
}

// NewDetector builds the detector named by mode ("keyword" or "structured").
func NewDetector(mode string, failure, completion, exclusions []string) Detector {
	keyword := NewKeywordDetector(failure, completion, exclusions)
	if strings.EqualFold(strings.TrimSpace(mode), "structured") {
		return StructuredDetector{Fallback: keyword}
	}
	return keyword
}

func containsAny(line string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
