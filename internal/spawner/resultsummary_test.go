package spawner

import (
	"testing"

	"sce.dev/auto/internal/model"
)

func intPtr(n int) *int { return &n }

func TestExtractResultSummary(t *testing.T) {
	tests := []struct {
		name   string
		events []model.WorkerEvent
		want   *model.ResultSummary
	}{
		{
			name:   "no events yields nil",
			events: nil,
			want:   nil,
		},
		{
			name: "no candidate fields yields nil",
			events: []model.WorkerEvent{
				{"type": "log", "message": "starting work"},
			},
			want: nil,
		},
		{
			name: "top-level contract fields are extracted",
			events: []model.WorkerEvent{
				{"spec_id": "01-01-add-retry", "changed_files": []any{"a.go"}, "tests_run": float64(3), "tests_passed": float64(3)},
			},
			want: &model.ResultSummary{
				SpecID:       "01-01-add-retry",
				ChangedFiles: []string{"a.go"},
				TestsRun:     intPtr(3),
				TestsPassed:  intPtr(3),
			},
		},
		{
			name: "nested under result_summary path",
			events: []model.WorkerEvent{
				{"type": "final", "result_summary": map[string]any{
					"spec_id": "01-02-fix-bug", "risk_level": "low",
				}},
			},
			want: &model.ResultSummary{SpecID: "01-02-fix-bug", RiskLevel: "low"},
		},
		{
			name: "nested under result.summary path",
			events: []model.WorkerEvent{
				{"result": map[string]any{
					"summary": map[string]any{"spec_id": "01-03-x", "open_issues": []any{"flaky test"}},
				}},
			},
			want: &model.ResultSummary{SpecID: "01-03-x", OpenIssues: []string{"flaky test"}},
		},
		{
			name: "free-text field with fenced json fragment",
			events: []model.WorkerEvent{
				{"type": "message", "text": "Done.\n```json\n{\"spec_id\": \"01-04-y\", \"tests_run\": 5, \"tests_passed\": 4}\n```\n"},
			},
			want: &model.ResultSummary{SpecID: "01-04-y", TestsRun: intPtr(5), TestsPassed: intPtr(4)},
		},
		{
			name: "free-text field with bare json fragment, no fence",
			events: []model.WorkerEvent{
				{"text": "result: {\"spec_id\": \"01-05-z\", \"risk_level\": \"high\"} thanks"},
			},
			want: &model.ResultSummary{SpecID: "01-05-z", RiskLevel: "high"},
		},
		{
			name: "best candidate by field count wins across multiple events",
			events: []model.WorkerEvent{
				{"spec_id": "weak-candidate"},
				{"spec_id": "01-06-strong", "changed_files": []any{"b.go"}, "risk_level": "medium", "open_issues": []any{}},
			},
			want: &model.ResultSummary{SpecID: "01-06-strong", ChangedFiles: []string{"b.go"}, RiskLevel: "medium"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractResultSummary(tt.events)
			assertResultSummaryEqual(t, tt.want, got)
		})
	}
}

func assertResultSummaryEqual(t *testing.T, want, got *model.ResultSummary) {
	t.Helper()
	if want == nil || got == nil {
		if want != got {
			t.Fatalf("want %+v, got %+v", want, got)
		}
		return
	}
	if got.SpecID != want.SpecID || got.RiskLevel != want.RiskLevel {
		t.Fatalf("want %+v, got %+v", want, got)
	}
	if !equalStringSlices(got.ChangedFiles, want.ChangedFiles) || !equalStringSlices(got.OpenIssues, want.OpenIssues) {
		t.Fatalf("want %+v, got %+v", want, got)
	}
	if !equalIntPtr(got.TestsRun, want.TestsRun) || !equalIntPtr(got.TestsPassed, want.TestsPassed) {
		t.Fatalf("want %+v, got %+v", want, got)
	}
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
