// Package threat implements pattern- and heuristic-based request
// classification for admission control.
//
// Detection is driven by a declarative catalogue of patterns (id, regex,
// severity weight) plus three statistical checks that score text shape
// rather than content. New patterns are additive configuration, not code
// changes.
package threat

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/veilgate/veilgate/pkg/domain"
)

// Level boundaries applied to the combined score.
const (
	lowThreshold      = 1.0
	mediumThreshold   = 4.0
	highThreshold     = 7.0
	criticalThreshold = 9.0
)

// statBonusCap bounds the combined statistical contribution so shape
// heuristics can raise the pattern-derived level by at most one step.
const statBonusCap = 2.0

// Statistical check defaults.
const (
	repetitionRatioThreshold = 0.35
	repetitionBonus          = 1.0
	lengthOutlierChars       = 8000
	lengthBonus              = 0.75
	printableRatioThreshold  = 0.70
	entropyBonus             = 1.0
)

type compiledPattern struct {
	id       string
	category string
	expr     *regexp.Regexp
	severity float64
}

// Detector evaluates text against the configured pattern catalogue.
// Detect is deterministic and side-effect-free; a Detector is safe for
// concurrent use.
type Detector struct {
	patterns []compiledPattern
	blockAt  domain.ThreatLevel
}

// NewDetector builds a detector from the built-in catalogue merged with any
// operator-supplied patterns. Custom patterns with a known id replace the
// built-in definition.
func NewDetector(settings domain.ThreatSettings) (*Detector, error) {
	merged := make(map[string]domain.ThreatPattern, len(builtinPatterns))
	order := make([]string, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		merged[p.ID] = p
		order = append(order, p.ID)
	}
	for _, p := range settings.CustomPatterns {
		if _, known := merged[p.ID]; !known {
			order = append(order, p.ID)
		}
		merged[p.ID] = p
	}

	compiled := make([]compiledPattern, 0, len(order))
	for _, id := range order {
		p := merged[id]
		expr, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("threat: invalid pattern %s: %w", p.ID, err)
		}
		compiled = append(compiled, compiledPattern{
			id:       p.ID,
			category: p.Category,
			expr:     expr,
			severity: p.Severity,
		})
	}

	blockAt := settings.BlockAtLevel
	if blockAt == domain.ThreatNone {
		blockAt = domain.ThreatHigh
	}

	return &Detector{patterns: compiled, blockAt: blockAt}, nil
}

// Detect classifies the text. The score is the highest matched pattern
// severity plus the capped statistical bonus; the statistical bonus can
// raise the pattern-derived level by at most one step and never lowers it.
func (d *Detector) Detect(text string) domain.ThreatAssessment {
	var matches []domain.PatternMatch
	maxSeverity := 0.0

	for _, p := range d.patterns {
		if p.expr.MatchString(text) {
			matches = append(matches, domain.PatternMatch{PatternID: p.id, Severity: p.severity})
			if p.severity > maxSeverity {
				maxSeverity = p.severity
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Severity > matches[j].Severity
	})

	bonus := math.Min(statisticalBonus(text), statBonusCap)
	score := maxSeverity + bonus

	baseLevel := levelFor(maxSeverity)
	level := levelFor(score)
	if level > baseLevel+1 {
		level = baseLevel + 1
	}
	if level < baseLevel {
		level = baseLevel
	}

	return domain.ThreatAssessment{
		Level:           level,
		MatchedPatterns: matches,
		Score:           score,
	}
}

// ShouldBlock compares the assessment level against the configured minimum
// blocking level.
func (d *Detector) ShouldBlock(a domain.ThreatAssessment) bool {
	return a.Level >= d.blockAt
}

// BlockAtLevel returns the configured minimum blocking level.
func (d *Detector) BlockAtLevel() domain.ThreatLevel {
	return d.blockAt
}

func levelFor(score float64) domain.ThreatLevel {
	switch {
	case score >= criticalThreshold:
		return domain.ThreatCritical
	case score >= highThreshold:
		return domain.ThreatHigh
	case score >= mediumThreshold:
		return domain.ThreatMedium
	case score >= lowThreshold:
		return domain.ThreatLow
	default:
		return domain.ThreatNone
	}
}

// statisticalBonus sums the three shape heuristics: character repetition,
// length outliers, and abnormal character-class entropy.
func statisticalBonus(text string) float64 {
	bonus := 0.0
	if repetitionRatio(text) > repetitionRatioThreshold {
		bonus += repetitionBonus
	}
	if len(text) > lengthOutlierChars {
		bonus += lengthBonus
	}
	if printableRatio(text) < printableRatioThreshold {
		bonus += entropyBonus
	}
	return bonus
}

// repetitionRatio is the fraction of characters that repeat their immediate
// predecessor. Loop-bombed or padded inputs score close to 1.
func repetitionRatio(text string) float64 {
	runes := []rune(text)
	if len(runes) < 20 {
		return 0
	}
	repeated := 0
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			repeated++
		}
	}
	return float64(repeated) / float64(len(runes)-1)
}

// printableRatio is the fraction of runes that are ordinary printable text.
// Mostly non-printable or binary-looking content scores low.
func printableRatio(text string) float64 {
	if text == "" {
		return 1
	}
	printable := 0
	total := 0
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

// Categories returns the distinct pattern categories in the catalogue,
// sorted; used by the admin surface.
func (d *Detector) Categories() []string {
	seen := make(map[string]bool)
	for _, p := range d.patterns {
		seen[p.category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Describe renders a one-line summary of an assessment for logs.
func Describe(a domain.ThreatAssessment) string {
	if len(a.MatchedPatterns) == 0 {
		return fmt.Sprintf("level=%s score=%.2f", a.Level, a.Score)
	}
	ids := make([]string, 0, len(a.MatchedPatterns))
	for _, m := range a.MatchedPatterns {
		ids = append(ids, m.PatternID)
	}
	return fmt.Sprintf("level=%s score=%.2f patterns=%s", a.Level, a.Score, strings.Join(ids, ","))
}
