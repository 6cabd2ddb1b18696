package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/pkg/models"
)

func TestDecodeOutput(t *testing.T) {
	cases := []struct {
		name   string
		format OutputFormat
		text   string
		want   string
		err    bool
	}{
		{"object", OutputJSON, `{"a": 1}`, `{"a":1}`, false},
		{"fenced", OutputJSON, "```json\n{\"a\": 1}\n```", `{"a":1}`, false},
		{"bare fence", OutputJSON, "```\n{\"a\": 1}\n```", `{"a":1}`, false},
		{"prose", OutputJSON, "Here you go", "", true},
		{"array", OutputJSON, `[{"a": 1}]`, "", true},
		{"null", OutputJSON, "null", "", true},
		{"fenced null", OutputJSON, "```json\nnull\n```", "", true},
		{"markdown", OutputMarkdown, "# Title", `{"markdown":"# Title"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeOutput(tc.format, tc.text)
			if tc.err {
				assert.ErrorIs(t, err, ErrGeneration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestPipelineGraph(t *testing.T) {
	assert.Len(t, Pipeline, len(models.AllStages))
	assert.Empty(t, Pipeline[models.StageCollect].DependsOn)
	assert.ElementsMatch(t, []models.Stage{models.StageBudget, models.StageItinerary}, Pipeline[models.StageReport].DependsOn)
	for _, stage := range fanOut {
		assert.Equal(t, []models.Stage{models.StageCollect}, Pipeline[stage].DependsOn)
	}
}

func TestPrettyInputs(t *testing.T) {
	inputs, err := prettyInputs(map[models.Stage]json.RawMessage{
		models.StageCollect: json.RawMessage(`{"a":[1,2]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}", inputs["collect"])

	_, err = prettyInputs(map[models.Stage]json.RawMessage{models.StageCollect: json.RawMessage(`nope`)})
	assert.Error(t, err)
}

func TestPrompts(t *testing.T) {
	c := testPrompts(t)

	p, err := c.Render(models.StageReport, map[string]string{"itinerary": "ITIN", "budget": "BUDGET"})
	require.NoError(t, err)
	assert.Contains(t, p.User, "ITIN")
	assert.Contains(t, p.User, "BUDGET")
	assert.NotEmpty(t, p.System)

	_, err = c.Render(models.StageBudget, map[string]string{})
	assert.Error(t, err, "missing upstream input must fail")
}

func TestParsePrompts_Errors(t *testing.T) {
	_, err := ParsePrompts([]byte("collect:\n  user: hi\n"))
	assert.ErrorContains(t, err, "missing template")

	_, err = ParsePrompts([]byte("lodging:\n  user: hi\n"))
	assert.ErrorContains(t, err, "unknown stage")

	_, err = ParsePrompts([]byte("collect:\n  user: \"{{ .x\"\n"))
	assert.Error(t, err)
}

func TestStageErrors(t *testing.T) {
	budgetErr := fmt.Errorf("%w: rate limited", ErrGeneration)
	errs := StageErrors{
		{Stage: models.StageBudget, Err: budgetErr},
		{Stage: models.StageItinerary, Err: ErrDependencyNotSatisfied},
	}
	var err error = errs

	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, ErrDependencyNotSatisfied)
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "stage budget: generation failed: rate limited; stage itinerary: dependency not satisfied", err.Error())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.StageBudget, se.Stage)
}
