package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"agentflow/backend/pkg/models"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is the rendered instruction pair sent to the generation client.
type Prompt struct {
	System string
	User   string
}

type promptSource struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// PromptCatalog holds one parsed template per stage.
type PromptCatalog struct {
	system map[models.Stage]string
	user   map[models.Stage]*template.Template
}

// DefaultPrompts returns the built-in catalog.
func DefaultPrompts() (*PromptCatalog, error) {
	return ParsePrompts(defaultPrompts)
}

// LoadPrompts reads a catalog from a YAML file. An empty path yields the
// built-in catalog.
func LoadPrompts(path string) (*PromptCatalog, error) {
	if path == "" {
		return DefaultPrompts()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return ParsePrompts(data)
}

// ParsePrompts parses a YAML catalog keyed by stage name. Every stage must
// have a user template.
func ParsePrompts(data []byte) (*PromptCatalog, error) {
	var raw map[string]promptSource
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	c := &PromptCatalog{
		system: make(map[models.Stage]string),
		user:   make(map[models.Stage]*template.Template),
	}
	for name, src := range raw {
		stage, err := models.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("parse prompts: %w", err)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(src.User)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", name, err)
		}
		c.system[stage] = strings.TrimSpace(src.System)
		c.user[stage] = tmpl
	}
	for _, st := range models.AllStages {
		if _, ok := c.user[st]; !ok {
			return nil, fmt.Errorf("parse prompts: missing template for stage %s", st)
		}
	}
	return c, nil
}

// Render fills the stage's template with its assembled inputs.
func (c *PromptCatalog) Render(stage models.Stage, inputs map[string]string) (Prompt, error) {
	tmpl, ok := c.user[stage]
	if !ok {
		return Prompt{}, fmt.Errorf("no prompt for stage %s", stage)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, inputs); err != nil {
		return Prompt{}, fmt.Errorf("render prompt %s: %w", stage, err)
	}
	return Prompt{System: c.system[stage], User: b.String()}, nil
}
