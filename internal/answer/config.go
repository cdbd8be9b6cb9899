package answer

import (
	"fmt"
	"strconv"
	"text/template"
	"time"

	"tubeqa/internal/apperr"
	"tubeqa/internal/llm"
	"tubeqa/internal/validate"
	"tubeqa/internal/vector"
)

// ConfigVersion is bumped whenever a field is added or its meaning changes.
const ConfigVersion = 1

const DefaultPromptTemplate = `Answer the question using only the transcript excerpts below.
If the excerpts do not contain the answer, say that you do not know.
Cite excerpts by their number in square brackets.

{{range .Context}}[{{.N}}] {{.Text}}
{{end}}
Question: {{.Question}}
Answer:`

// Config is the full, serialisable description of an answering pipeline.
// It is recorded alongside every evaluation run.
type Config struct {
	Version        int            `json:"version" validate:"gt=0"`
	Model          string         `json:"model" validate:"required"`
	Temperature    float32        `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int            `json:"max_tokens" validate:"gt=0"`
	TopK           int            `json:"top_k" validate:"gt=0"`
	MinScore       *float64       `json:"min_score,omitempty"`
	ContextBudget  int            `json:"context_budget_words" validate:"gte=0"`
	Attempts       int            `json:"attempts" validate:"gt=0,lte=10"`
	AttemptTimeout time.Duration  `json:"attempt_timeout" validate:"gt=0"`
	Backoff        time.Duration  `json:"backoff" validate:"gte=0"`
	PromptTemplate string         `json:"prompt_template" validate:"required"`
	Filter         *vector.Filter `json:"filter,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Version:        ConfigVersion,
		Model:          "gemini-1.5-flash",
		Temperature:    0.2,
		MaxTokens:      512,
		TopK:           4,
		ContextBudget:  600,
		Attempts:       3,
		AttemptTimeout: 30 * time.Second,
		Backoff:        500 * time.Millisecond,
		PromptTemplate: DefaultPromptTemplate,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, err)
	}
	if _, err := template.New("prompt").Parse(c.PromptTemplate); err != nil {
		return fmt.Errorf("%w: prompt template: %w", apperr.ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) GenerationParams() llm.Params {
	return llm.Params{Model: c.Model, Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// Params flattens the config for experiment tracking.
func (c Config) Params() map[string]string {
	p := map[string]string{
		"config_version":  strconv.Itoa(c.Version),
		"model":           c.Model,
		"temperature":     strconv.FormatFloat(float64(c.Temperature), 'f', -1, 32),
		"max_tokens":      strconv.Itoa(c.MaxTokens),
		"top_k":           strconv.Itoa(c.TopK),
		"context_budget":  strconv.Itoa(c.ContextBudget),
		"attempts":        strconv.Itoa(c.Attempts),
		"attempt_timeout": c.AttemptTimeout.String(),
		"backoff":         c.Backoff.String(),
		"prompt_template": c.PromptTemplate,
	}
	if c.MinScore != nil {
		p["min_score"] = strconv.FormatFloat(*c.MinScore, 'f', -1, 64)
	}
	return p
}
