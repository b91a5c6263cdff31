package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestGate(llm *testutil.MockLLMProvider, logger *testutil.MockLogger) *Gate {
	// A nil *MockLogger inside the Logger interface is not a nil interface.
	if logger == nil {
		logger = testutil.NewMockLogger()
	}
	gen := agents.NewStructuredGenerator(llm, "mock", "judge-model", nil)
	prompts := agents.NewPromptStore(nil, "", 0, nil)
	return NewGate(gen, prompts, nil, logger)
}

// outputCriteria returns every output criterion, failing the ids in failed
// with the given fix.
func outputCriteria(failed map[string]string) []testutil.JudgeCriterion {
	out := make([]testutil.JudgeCriterion, 0, len(testutil.OutputCriterionIDs))
	for _, id := range testutil.OutputCriterionIDs {
		fix, isFailed := failed[id]
		out = append(out, testutil.JudgeCriterion{ID: id, Passed: !isFailed, Fix: fix})
	}
	return out
}

func evaluateWith(t *testing.T, payload any, artifact string) (*Result, *testutil.MockLogger) {
	t.Helper()
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerOutputJudge, payload)
	logger := testutil.NewMockLogger()
	result, err := newTestGate(llm, logger).Evaluate(context.Background(), "Add a services button", artifact, nil)
	require.NoError(t, err)
	return result, logger
}

// =============================================================================
// VERDICT TESTS
// =============================================================================

func TestEvaluate_AllPassedApproves(t *testing.T) {
	result, _ := evaluateWith(t, testutil.JudgePayload("APPROVE", nil, outputCriteria(nil)...), testutil.ValidPlanMarkdown)

	assert.Equal(t, VerdictApprove, result.Verdict)
	assert.Equal(t, "PASS - All 4 dimensions meet thresholds", result.VerdictReason)
	assert.Equal(t, 18, result.TotalPassed())
	assert.Empty(t, result.FailedCriteriaFixes())
	assert.True(t, result.AllBinaryPassed)
}

func TestEvaluate_ThresholdAllowsOneFailure(t *testing.T) {
	// Test a dimension passes when passed count meets the threshold.
	result, _ := evaluateWith(t,
		testutil.JudgePayload("REVISE", nil, outputCriteria(map[string]string{"1.4": "reference the WordPress stack"})...),
		testutil.ValidPlanMarkdown)

	assert.Equal(t, VerdictApprove, result.Verdict)
	fixes := result.FailedCriteriaFixes()
	require.Len(t, fixes, 1)
	assert.Equal(t, "1.4", fixes[0].CriterionID)
	assert.Equal(t, "reference the WordPress stack", fixes[0].RequiredFix)
	assert.False(t, result.AllBinaryPassed)
}

func TestEvaluate_DimensionBelowThresholdRevises(t *testing.T) {
	result, _ := evaluateWith(t,
		testutil.JudgePayload("REVISE", nil, outputCriteria(map[string]string{"1.3": "x", "1.4": "y"})...),
		testutil.ValidPlanMarkdown)

	assert.Equal(t, VerdictRevise, result.Verdict)
	assert.Equal(t, "FAIL - 1 dimension(s) failed: Task & Context Clarity", result.VerdictReason)
	assert.Equal(t, 2, result.Dimensions[0].PassedCount())
	assert.False(t, result.Dimensions[0].Passed())
	assert.True(t, result.Dimensions[1].Passed())
}

func TestEvaluate_AutoFailOverridesJudgeApproval(t *testing.T) {
	// Test the verdict is computed locally even when the judge claims approval.
	result, logger := evaluateWith(t,
		testutil.JudgePayload("APPROVE", []string{"AF2"}, outputCriteria(nil)...),
		testutil.ValidPlanMarkdown)

	assert.Equal(t, VerdictReject, result.Verdict)
	assert.Equal(t, "FAIL - Auto-fail triggered: AF2", result.VerdictReason)
	assert.Equal(t, "APPROVE", result.JudgeVerdict)
	assert.True(t, logger.HasLog("warn", "judge_verdict_overridden"))
}

func TestEvaluate_LocalExecutionStepsCheck(t *testing.T) {
	// Test the structural check triggers AF1 even when the judge says it passed.
	plan := "## Task Summary\nAdd a button.\n\n## Execution Steps\nJust do it.\n\n## Definition of Done\n- [ ] done"
	result, _ := evaluateWith(t, testutil.JudgePayload("APPROVE", nil, outputCriteria(nil)...), plan)

	assert.Equal(t, VerdictReject, result.Verdict)
	triggered := result.TriggeredAutoFails()
	require.Len(t, triggered, 1)
	assert.Equal(t, "AF1", triggered[0].ID)
	assert.Contains(t, triggered[0].Evidence, "has no list items")
}

func TestEvaluate_SubHeadedExecutionStepsPass(t *testing.T) {
	// Test phase sub-headings inside Execution Steps do not hide its list items.
	plan := "## Task Summary\nAdd a Services button.\n\n" +
		"## Execution Steps\n### Phase 1: Layout\n1. Open the Home page.\n2. Add the button below the hero.\n" +
		"### Phase 2: Verify\n- Check the link on mobile.\n\n" +
		"## Definition of Done\n- [ ] Button links to /services"
	result, _ := evaluateWith(t, testutil.JudgePayload("APPROVE", nil, outputCriteria(nil)...), plan)

	assert.Empty(t, result.TriggeredAutoFails())
	assert.Equal(t, VerdictApprove, result.Verdict)
}

func TestEvaluate_Idempotent(t *testing.T) {
	// Test the same artifact and judge output give the same verdict twice.
	payload := testutil.JudgePayload("REVISE", nil, outputCriteria(map[string]string{
		"2.1": "Number each execution step",
		"2.2": "Name the page being edited",
	})...)
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerOutputJudge, payload)
	gate := newTestGate(llm, nil)

	first, err := gate.Evaluate(context.Background(), "Add a services button", testutil.ValidPlanMarkdown, nil)
	require.NoError(t, err)
	second, err := gate.Evaluate(context.Background(), "Add a services button", testutil.ValidPlanMarkdown, nil)
	require.NoError(t, err)

	assert.Equal(t, VerdictRevise, first.Verdict)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.FailedCriteriaFixes(), second.FailedCriteriaFixes())
	assert.Empty(t, ComputeDelta(first, second).Fixed)
}

// =============================================================================
// LOOSE OUTPUT TESTS
// =============================================================================

func TestEvaluate_MissingCriteriaFail(t *testing.T) {
	// Test criteria the judge skipped are failed with the re-evaluate fix.
	result, _ := evaluateWith(t,
		testutil.JudgePayload("APPROVE", nil, testutil.PassingCriteria("1.1", "1.2", "1.3", "1.4")...),
		testutil.ValidPlanMarkdown)

	assert.Equal(t, VerdictRevise, result.Verdict)
	assert.Equal(t, 4, result.TotalPassed())
	for _, fix := range result.FailedCriteriaFixes() {
		assert.Equal(t, UnparseableFix, fix.RequiredFix, fix.CriterionID)
	}
	assert.Len(t, result.FailedCriteriaFixes(), 14)
	assert.False(t, result.Unparseable)
}

func TestEvaluate_UnparseableOutput(t *testing.T) {
	llm := testutil.NewMockLLMProvider().WithResponse(testutil.MarkerOutputJudge, "I think it looks fine overall.")
	logger := testutil.NewMockLogger()

	result, err := newTestGate(llm, logger).Evaluate(context.Background(), "req", testutil.ValidPlanMarkdown, nil)
	require.NoError(t, err)

	assert.True(t, result.Unparseable)
	assert.Equal(t, VerdictRevise, result.Verdict)
	assert.Equal(t, 0, result.TotalPassed())
	assert.False(t, result.AutoFailTriggered())
	assert.Equal(t, noIssues, result.Critique)
	assert.True(t, logger.HasLog("warn", "judge_output_unparseable"))
}

func TestEvaluate_EmptyFixGetsFiller(t *testing.T) {
	result, _ := evaluateWith(t,
		testutil.JudgePayload("REVISE", nil, outputCriteria(map[string]string{"3.3": ""})...),
		testutil.ValidPlanMarkdown)

	fixes := result.FailedCriteriaFixes()
	require.Len(t, fixes, 1)
	assert.Equal(t, "satisfy criterion: Plan includes relevant tags for categorization", fixes[0].RequiredFix)
}

func TestEvaluate_LLMFailureReturnsError(t *testing.T) {
	llm := testutil.NewMockLLMProvider().WithError(errors.New("connection refused"))
	_, err := newTestGate(llm, nil).Evaluate(context.Background(), "req", testutil.ValidPlanMarkdown, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, agents.ErrLLMUnavailable)
}

func TestEvaluate_PromptCarriesContext(t *testing.T) {
	llm := testutil.NewMockLLMProvider()
	_, err := newTestGate(llm, nil).Evaluate(context.Background(), "Add a services button", testutil.ValidPlanMarkdown,
		map[string]any{"Client Name": "Acme Plumbing"})
	require.NoError(t, err)

	prompt := llm.LastPromptContaining(testutil.MarkerOutputJudge)
	assert.Contains(t, prompt, "Acme Plumbing")
	assert.Contains(t, prompt, "Add a services button")
	assert.Contains(t, prompt, "### Dimension: Execution Quality (threshold: 4/5)")
}

func TestBuild_NestedDimensionResultsAndLooseIDs(t *testing.T) {
	gate := NewGate(nil, nil, nil, nil)
	raw := map[string]any{
		"auto_fail_checks": []any{
			map[string]any{"condition": "AF3: wrong framework", "triggered": "yes", "evidence": "uses React"},
		},
		"dimension_results": []any{
			map[string]any{"criteria": []any{
				map[string]any{"criterion_id": "1.1 Task Summary", "passed": true},
				map[string]any{"criterion_id": "1.2", "passed": "fail", "current_state": "missing"},
			}},
		},
		"failed_criteria_fixes": []any{
			map[string]any{"criterion_id": "1.2", "required_fix": "add Technical Context"},
		},
		"rubric_scores": []any{
			map[string]any{"dimension": "Clarity", "score": 9},
			map[string]any{"name": "Structure", "score": -1},
		},
	}

	result := gate.Build(raw)
	gate.Finalize(result)

	assert.Equal(t, VerdictReject, result.Verdict)
	assert.Equal(t, "uses React", result.AutoFails[2].Evidence)

	clarity := result.Dimensions[0]
	assert.True(t, clarity.Criteria[0].Passed)
	assert.False(t, clarity.Criteria[1].Passed)
	assert.Equal(t, "add Technical Context", clarity.Criteria[1].RequiredFix)
	assert.Equal(t, "missing", clarity.Criteria[1].CurrentState)

	require.Len(t, result.RubricScores, 2)
	assert.Equal(t, 5, result.RubricScores[0].Score)
	assert.Equal(t, 0, result.RubricScores[1].Score)
	assert.InDelta(t, 2.5, result.RubricTotal(), 0.001)
}

func TestBuild_FixInvariant(t *testing.T) {
	// Test required_fix is non-empty exactly when a criterion failed.
	gate := NewGate(nil, nil, nil, nil)
	result := gate.Build(testutil.JudgePayload("REVISE", nil,
		outputCriteria(map[string]string{"2.2": "", "2.3": "name the Elementor widget"})...))

	for _, dim := range result.Dimensions {
		for _, c := range dim.Criteria {
			if c.Passed {
				assert.Empty(t, c.RequiredFix, c.ID)
			} else {
				assert.NotEmpty(t, c.RequiredFix, c.ID)
			}
		}
	}
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"AF1", "AF1"},
		{"af2: Plan addresses a different request", "AF2"},
		{" 1.1 - Summary", "1.1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeID(tt.raw), tt.raw)
	}
}

func TestComputeVerdict(t *testing.T) {
	assert.Equal(t, VerdictReject, ComputeVerdict(true, true))
	assert.Equal(t, VerdictApprove, ComputeVerdict(false, true))
	assert.Equal(t, VerdictRevise, ComputeVerdict(false, false))
}

func TestParseVerdict(t *testing.T) {
	v, ok := ParseVerdict(" approved ")
	assert.True(t, ok)
	assert.Equal(t, VerdictApprove, v)

	_, ok = ParseVerdict("maybe")
	assert.False(t, ok)
}
