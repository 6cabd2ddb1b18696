package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"agentflow/backend/pkg/models"
)

// OutputFormat describes how generated text becomes a stored result.
type OutputFormat int

const (
	// OutputJSON requires the generated text to be a single JSON object.
	OutputJSON OutputFormat = iota
	// OutputMarkdown stores the text as {"markdown": text}.
	OutputMarkdown
)

// StageSpec is everything that distinguishes one stage from another. The
// executor is otherwise identical for every stage.
type StageSpec struct {
	Stage     models.Stage
	DependsOn []models.Stage
	Output    OutputFormat
	// BuildInput turns upstream results into template inputs. Nil means
	// each upstream result pretty printed under its stage name.
	BuildInput func(upstream map[models.Stage]json.RawMessage) (map[string]string, error)
}

// Pipeline is the fixed stage graph: collect, then budget and itinerary in
// parallel, then report.
var Pipeline = map[models.Stage]StageSpec{
	models.StageCollect: {
		Stage:  models.StageCollect,
		Output: OutputJSON,
	},
	models.StageBudget: {
		Stage:     models.StageBudget,
		DependsOn: []models.Stage{models.StageCollect},
		Output:    OutputJSON,
	},
	models.StageItinerary: {
		Stage:     models.StageItinerary,
		DependsOn: []models.Stage{models.StageCollect},
		Output:    OutputJSON,
	},
	models.StageReport: {
		Stage:     models.StageReport,
		DependsOn: []models.Stage{models.StageItinerary, models.StageBudget},
		Output:    OutputMarkdown,
	},
}

// fanOut is the group of stages that run concurrently, in declared order.
var fanOut = []models.Stage{models.StageBudget, models.StageItinerary}

func prettyInputs(upstream map[models.Stage]json.RawMessage) (map[string]string, error) {
	inputs := make(map[string]string, len(upstream))
	for stage, raw := range upstream {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return nil, fmt.Errorf("%s result is not valid JSON: %w", stage, err)
		}
		inputs[string(stage)] = buf.String()
	}
	return inputs, nil
}

// decodeOutput validates generated text and converts it to the stored payload.
func decodeOutput(format OutputFormat, text string) (json.RawMessage, error) {
	switch format {
	case OutputMarkdown:
		return json.Marshal(map[string]string{"markdown": text})
	default:
		body := stripCodeFence(text)
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return nil, fmt.Errorf("%w: output is not a JSON object: %v", ErrGeneration, err)
		}
		if obj == nil {
			return nil, fmt.Errorf("%w: output is not a JSON object", ErrGeneration)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(body)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		return buf.Bytes(), nil
	}
}

// stripCodeFence removes a surrounding ``` or ```json fence, which models
// add despite being told not to.
func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
