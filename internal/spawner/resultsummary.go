package spawner

import (
	"encoding/json"
	"regexp"
	"strings"

	"sce.dev/auto/internal/model"
)

// contractFields are the keys that make a JSON object a result-summary
// candidate. When several candidates tie on field count, the first one
// scanned wins; the order of this list plays no part in that choice.
var contractFields = []string{"spec_id", "changed_files", "tests_run", "tests_passed", "risk_level", "open_issues"}

// candidatePaths are the nesting points searched, in order, inside each
// event object before falling back to scanning free-text fields for
// embedded JSON fragments.
var candidatePaths = [][]string{
	{"result_summary"},
	{"summary"},
	{"payload"},
	{"result", "summary"},
	{"data"},
	{"item"},
}

var jsonFragmentPattern = regexp.MustCompile(`\{[^{}]*\}`)

// ExtractResultSummary scans a worker's captured events for the first
// object containing any contract field, preferring the candidate with the
// most such fields. Returns nil if nothing matches.
func ExtractResultSummary(events []model.WorkerEvent) *model.ResultSummary {
	var best map[string]any
	bestScore := 0

	consider := func(obj map[string]any) {
		score := summaryCandidateFieldCount(obj)
		if score > bestScore {
			bestScore = score
			best = obj
		}
	}

	for _, event := range events {
		considerEvent(map[string]any(event), consider)
	}

	if best == nil {
		return nil
	}
	return toResultSummary(best)
}

func considerEvent(event map[string]any, consider func(map[string]any)) {
	consider(event)

	for _, path := range candidatePaths {
		if nested, ok := lookupPath(event, path); ok {
			consider(nested)
		}
	}

	for _, v := range event {
		if s, ok := v.(string); ok {
			for _, fragment := range extractJSONFragments(s) {
				consider(fragment)
			}
		}
	}
}

func lookupPath(obj map[string]any, path []string) (map[string]any, bool) {
	current := obj
	for _, key := range path {
		v, ok := current[key]
		if !ok {
			return nil, false
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// extractJSONFragments finds fenced-or-bare {...} substrings (including
// inside markdown code blocks) and parses each as a JSON object.
func extractJSONFragments(s string) []map[string]any {
	s = stripCodeFences(s)

	var out []map[string]any
	for _, match := range jsonFragmentPattern.FindAllString(s, -1) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(match), &obj); err == nil {
			out = append(out, obj)
		}
	}
	return out
}

func stripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return s
}

// summaryCandidateFieldCount scores how many contract fields an object
// contains, used to pick the best candidate among several matches.
func summaryCandidateFieldCount(obj map[string]any) int {
	count := 0
	for _, f := range contractFields {
		if _, ok := obj[f]; ok {
			count++
		}
	}
	return count
}

func toResultSummary(obj map[string]any) *model.ResultSummary {
	summary := &model.ResultSummary{}

	if v, ok := obj["spec_id"].(string); ok {
		summary.SpecID = v
	}
	if v, ok := obj["changed_files"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				summary.ChangedFiles = append(summary.ChangedFiles, s)
			}
		}
	}
	if v, ok := obj["tests_run"].(float64); ok {
		n := int(v)
		summary.TestsRun = &n
	}
	if v, ok := obj["tests_passed"].(float64); ok {
		n := int(v)
		summary.TestsPassed = &n
	}
	if v, ok := obj["risk_level"].(string); ok {
		summary.RiskLevel = v
	}
	if v, ok := obj["open_issues"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				summary.OpenIssues = append(summary.OpenIssues, s)
			}
		}
	}

	return summary
}
