// Package decompose implements the Goal Decomposer (C6): a deterministic,
// LLM-free heuristic that turns a natural-language goal into a master/sub
// spec portfolio with a dependency plan. No network or randomness is used
// anywhere in this package so the same goal and options always produce the
// same portfolio.
package decompose

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/model"
)

// category is one of the five fixed semantic buckets goals are scored against.
type category string

const (
	categoryCloseLoop     category = "closeLoop"
	categoryDecomposition category = "decomposition"
	categoryOrchestration category = "orchestration"
	categoryQuality       category = "quality"
	categoryDocs          category = "docs"
)

var categoryKeywords = map[category][]string{
	categoryCloseLoop:     {"closed-loop", "closed loop", "close-loop", "close loop", "autonomous loop", "self-correcting"},
	categoryDecomposition: {"decompose", "decomposition", "master/sub", "master-sub", "sub-spec", "portfolio", "spec"},
	categoryOrchestration: {"orchestrate", "orchestration", "parallel", "coordinate", "coordination", "schedule", "dag"},
	categoryQuality:       {"quality", "gate", "dod", "definition of done", "test", "risk"},
	categoryDocs:          {"document", "documentation", "rollout", "publish", "readme"},
}

var categoryOrder = []category{categoryCloseLoop, categoryDecomposition, categoryOrchestration, categoryQuality, categoryDocs}

// track is one entry in the fixed track library consulted by step 5.
type track struct {
	slug       string
	triggers   []string
	affinities []category
}

// trackLibrary is fixed and ordered; earlier entries win score ties.
var trackLibrary = []track{
	{slug: "close-loop-control", triggers: []string{"closed-loop", "close-loop", "replan", "stall"}, affinities: []category{categoryCloseLoop}},
	{slug: "spec-decomposition", triggers: []string{"decompose", "decomposition", "portfolio"}, affinities: []category{categoryDecomposition}},
	{slug: "parallel-orchestration", triggers: []string{"orchestrate", "orchestration", "parallel", "dag"}, affinities: []category{categoryOrchestration}},
	{slug: "quality-gates", triggers: []string{"quality", "gate", "dod", "test"}, affinities: []category{categoryQuality}},
	{slug: "docs-rollout", triggers: []string{"document", "documentation", "rollout", "publish"}, affinities: []category{categoryDocs}},
}

var strongSeparators = regexp.MustCompile(`[,;:，；：]`)
var connectorPattern = regexp.MustCompile(`(?i)\b(and|with|then|plus|while)\b`)
var prefixPattern = regexp.MustCompile(`^(\d+)-\d{2}-`)
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Options pins or biases individual decomposition decisions.
type Options struct {
	SubCountPin       int // 0 = unpinned
	PrefixPin         int // 0 = unpinned
	TrackBias         map[string]float64
	ExistingSpecNames []string
}

// Result is the decomposed portfolio, ready for C5 materialization.
type Result struct {
	Goal       string
	Prefix     int
	MasterSpec model.Spec
	SubSpecs   []model.Spec
	Strategy   []string
}

// Decompose runs the full deterministic algorithm described by the
// orchestrator's goal-decomposition contract.
func Decompose(goal string, opts Options) (Result, error) {
	normalized := normalizeGoal(goal)
	if normalized == "" {
		return Result{}, apperr.SpecLayout("Goal is required", nil)
	}

	if opts.SubCountPin != 0 && (opts.SubCountPin < 2 || opts.SubCountPin > 5) {
		return Result{}, apperr.Config(fmt.Sprintf("subCount %d out of range [2,5]", opts.SubCountPin), nil)
	}
	if opts.PrefixPin != 0 && opts.PrefixPin < 0 {
		return Result{}, apperr.Config("prefix must be a positive integer", nil)
	}

	clauses := splitClauses(normalized)
	scores := scoreCategories(normalized, clauses)
	activeCategories := countActive(scores)

	subCount := opts.SubCountPin
	if subCount == 0 {
		subCount = selectSubCount(normalized, clauses, activeCategories)
	}

	tracks := selectTracks(normalized, scores, opts.TrackBias, subCount)

	prefix := opts.PrefixPin
	if prefix == 0 {
		prefix = resolvePrefix(opts.ExistingSpecNames)
	}

	masterSlug := masterSlugFor(normalized, scores)
	masterName := fmt.Sprintf("%02d-00-%s", prefix, truncateSlug(masterSlug, 52))

	subSpecs := make([]model.Spec, 0, subCount)
	subNames := make([]string, 0, subCount)
	for i, t := range tracks {
		seq := i + 1
		name := fmt.Sprintf("%02d-%02d-%s", prefix, seq, truncateSlug(t.slug, 42))
		subNames = append(subNames, name)
	}

	for i, name := range subNames {
		deps := dependenciesFor(i, subNames)
		subSpecs = append(subSpecs, model.Spec{
			Name:         name,
			Role:         model.RoleSub,
			Dependencies: deps,
			Status:       model.StatusNotStarted,
			LeaseKey:     leaseKeyFor(name),
			Track:        tracks[i].slug,
		})
	}

	master := model.Spec{
		Name:         masterName,
		Role:         model.RoleMaster,
		Dependencies: append([]string(nil), subNames...),
		Status:       model.StatusNotStarted,
		LeaseKey:     leaseKeyFor(masterName),
	}

	strategy := make([]string, 0, len(tracks))
	for _, t := range tracks {
		strategy = append(strategy, t.slug)
	}

	return Result{
		Goal:       normalized,
		Prefix:     prefix,
		MasterSpec: master,
		SubSpecs:   subSpecs,
		Strategy:   strategy,
	}, nil
}

func normalizeGoal(goal string) string {
	fields := strings.Fields(strings.TrimSpace(goal))
	return strings.Join(fields, " ")
}

func splitClauses(goal string) []string {
	fragments := strongSeparators.Split(goal, -1)
	var clauses []string
	for _, f := range fragments {
		for _, part := range connectorPattern.Split(f, -1) {
			part = strings.TrimSpace(part)
			if part != "" {
				clauses = append(clauses, part)
			}
		}
	}
	return clauses
}

func scoreCategories(goal string, clauses []string) map[category]float64 {
	scores := make(map[category]float64, len(categoryOrder))
	lowerGoal := strings.ToLower(goal)

	for _, cat := range categoryOrder {
		var score float64
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(lowerGoal, kw) {
				score += 2
				break
			}
		}
		for _, clause := range clauses {
			lowerClause := strings.ToLower(clause)
			for _, kw := range categoryKeywords[cat] {
				if strings.Contains(lowerClause, kw) {
					score++
					break
				}
			}
		}
		scores[cat] = score
	}
	return scores
}

func countActive(scores map[category]float64) int {
	active := 0
	for _, s := range scores {
		if s > 0 {
			active++
		}
	}
	return active
}

func selectSubCount(goal string, clauses []string, activeCategories int) int {
	tokens := tokenCount(goal)
	separators := len(strongSeparators.FindAllString(goal, -1))
	length := len([]rune(goal))
	numClauses := len(clauses)

	switch {
	case tokens >= 24 || separators >= 4 || length >= 160 || numClauses >= 5 || activeCategories >= 4:
		return 5
	case tokens >= 14 || separators >= 2 || length >= 90 || numClauses >= 3 || activeCategories >= 3:
		return 4
	default:
		return 3
	}
}

func tokenCount(goal string) int {
	latin := 0
	cjk := 0
	for _, r := range goal {
		if isCJK(r) {
			cjk++
		}
	}
	if cjk > 0 {
		return int(math.Ceil(float64(cjk) / 4))
	}
	latin = len(strings.Fields(goal))
	return latin
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

func selectTracks(goal string, scores map[category]float64, bias map[string]float64, subCount int) []track {
	lowerGoal := strings.ToLower(goal)

	type scored struct {
		t     track
		score float64
		index int
	}
	scoredTracks := make([]scored, 0, len(trackLibrary))
	n := len(trackLibrary)

	for i, t := range trackLibrary {
		var s float64
		for _, trig := range t.triggers {
			if strings.Contains(lowerGoal, trig) {
				s += 3
			}
		}
		for _, cat := range t.affinities {
			s += scores[cat]
		}
		s += float64(n-i) * 0.001

		if b, ok := bias[t.slug]; ok {
			if b > 2 {
				b = 2
			}
			if b < -2 {
				b = -2
			}
			s += b
		}

		scoredTracks = append(scoredTracks, scored{t: t, score: s, index: i})
	}

	sort.SliceStable(scoredTracks, func(i, j int) bool {
		return scoredTracks[i].score > scoredTracks[j].score
	})

	if subCount > len(scoredTracks) {
		subCount = len(scoredTracks)
	}

	selected := make([]track, 0, subCount)
	for i := 0; i < subCount; i++ {
		selected = append(selected, scoredTracks[i].t)
	}
	return selected
}

func resolvePrefix(existing []string) int {
	max := 0
	for _, name := range existing {
		m := prefixPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > max {
			max = n
		}
	}
	return max + 1
}

func masterSlugFor(goal string, scores map[category]float64) string {
	if scores[categoryCloseLoop] > 0 && scores[categoryDecomposition] > 0 {
		return "autonomous-close-loop-master-sub-program"
	}
	return slugify(goal)
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func truncateSlug(slug string, maxLen int) string {
	s := slugify(slug)
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	return strings.TrimRight(s, "-")
}

func dependenciesFor(index int, names []string) []string {
	switch {
	case index < 2:
		return nil
	case index == 2:
		return []string{names[0], names[1]}
	default:
		return []string{names[index-1]}
	}
}

// leaseKeyFor derives a lease key from the first two hyphen-separated tokens
// of a spec name's slug portion (everything after "PP-SS-").
func leaseKeyFor(specName string) string {
	parts := strings.SplitN(specName, "-", 3)
	if len(parts) < 3 {
		return specName
	}
	slugTokens := strings.Split(parts[2], "-")
	if len(slugTokens) == 1 {
		return slugTokens[0]
	}
	return strings.Join(slugTokens[:2], "-")
}
