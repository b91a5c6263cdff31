package evaluation

import (
	"context"
	"testing"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInputValidator(llm *testutil.MockLLMProvider) *InputValidator {
	gen := agents.NewStructuredGenerator(llm, "mock", "judge-model", nil)
	return NewInputValidator(gen, agents.NewPromptStore(nil, "", 0, nil), nil, testutil.NewMockLogger())
}

func inputCriteria(failed map[string]string) []testutil.JudgeCriterion {
	out := make([]testutil.JudgeCriterion, 0, len(testutil.InputCriterionIDs))
	for _, id := range testutil.InputCriterionIDs {
		fix, isFailed := failed[id]
		out = append(out, testutil.JudgeCriterion{ID: id, Passed: !isFailed, Fix: fix})
	}
	return out
}

func TestValidate_PreChecksSkipTheJudge(t *testing.T) {
	tests := []struct {
		name          string
		request       string
		reason        string
		clarification string
	}{
		{"empty", "   ", "Request is empty.", "Please describe what changes you'd like made to your website."},
		{"too short", "ab", "Request is too short to be meaningful.", "Could you provide more detail about what you need?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := testutil.NewMockLLMProvider()
			v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", tt.request)
			require.NoError(t, err)

			assert.Equal(t, 0, llm.GetCallCount())
			assert.Equal(t, VerdictReject, v.Verdict)
			assert.False(t, v.Valid)
			assert.Equal(t, InputGibberish, v.Category)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.clarification, v.SuggestedClarification)
			assert.Equal(t, PreCheckModel, v.Model)
			assert.Equal(t, "FAIL - Auto-fail triggered: "+tt.reason, v.VerdictReason)
		})
	}
}

func TestValidate_ActionableRequest(t *testing.T) {
	payload := testutil.JudgePayload("APPROVE", nil, inputCriteria(nil)...)
	payload["category"] = "actionable"
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerInputJudge, payload)

	v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", "Add a contact form to the About page")
	require.NoError(t, err)

	assert.True(t, v.Valid)
	assert.Equal(t, VerdictApprove, v.Verdict)
	assert.Equal(t, InputActionable, v.Category)
	assert.InDelta(t, 1.0, v.Score, 0.001)
	assert.Contains(t, llm.LastPromptContaining(testutil.MarkerInputJudge), "Client: acme")
}

func TestValidate_VagueRequestSuggestsClarification(t *testing.T) {
	payload := testutil.JudgePayload("REVISE", nil, inputCriteria(map[string]string{
		"1.2": "Say what the finished page should look like.",
		"2.1": "Name the page to change.",
		"2.2": "Describe the change in one sentence.",
	})...)
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerInputJudge, payload)

	v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", "make it better")
	require.NoError(t, err)

	assert.False(t, v.Valid)
	assert.Equal(t, VerdictRevise, v.Verdict)
	assert.Equal(t, InputVague, v.Category)
	assert.InDelta(t, 0.5, v.Score, 0.001)
	assert.Len(t, v.Issues, 3)
	assert.Contains(t, v.SuggestedClarification, "Name the page to change.")
	assert.Equal(t, v.VerdictReason, v.Reason)
}

func TestValidate_GreetingTriggersLocalAutoFail(t *testing.T) {
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerInputJudge,
		testutil.JudgePayload("APPROVE", nil, inputCriteria(nil)...))

	v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", "Hello!")
	require.NoError(t, err)

	assert.Equal(t, VerdictReject, v.Verdict)
	assert.False(t, v.Valid)
	assert.Equal(t, InputOffTopic, v.Category)
	require.Len(t, v.TriggeredAutoFails(), 1)
	assert.Equal(t, "AF3", v.TriggeredAutoFails()[0].ID)
}

func TestValidate_JudgeCategoryKept(t *testing.T) {
	payload := testutil.JudgePayload("REJECT", []string{"AF2"}, inputCriteria(nil)...)
	payload["category"] = "duplicate_likely"
	payload["reason"] = "Same as yesterday's request."
	llm := testutil.NewMockLLMProvider().WithJSON(testutil.MarkerInputJudge, payload)

	v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", "Fix the footer links please")
	require.NoError(t, err)

	assert.Equal(t, InputDuplicateLikely, v.Category)
	assert.Equal(t, "Same as yesterday's request.", v.Reason)
}

func TestValidate_UnparseableIsIncomplete(t *testing.T) {
	llm := testutil.NewMockLLMProvider().WithResponse(testutil.MarkerInputJudge, "sorry, cannot help")

	v, err := newTestInputValidator(llm).Validate(context.Background(), "acme", "Update the hours on the contact page")
	require.NoError(t, err)

	assert.True(t, v.Unparseable)
	assert.Equal(t, InputIncomplete, v.Category)
	assert.Equal(t, "Could you describe the change you need in more detail?", v.SuggestedClarification)
}

func TestInputValidation_ToMap(t *testing.T) {
	v, err := newTestInputValidator(testutil.NewMockLLMProvider()).Validate(context.Background(), "acme", "")
	require.NoError(t, err)

	m := v.ToMap()
	assert.Equal(t, false, m["is_valid"])
	assert.Equal(t, "gibberish", m["category"])
	assert.Equal(t, "REJECT", m["verdict"])
}

func TestParseInputCategory(t *testing.T) {
	c, ok := ParseInputCategory(" Off_Topic ")
	assert.True(t, ok)
	assert.Equal(t, InputOffTopic, c)

	_, ok = ParseInputCategory("spam")
	assert.False(t, ok)
}
