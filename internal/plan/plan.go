// Package plan reads round definitions from YAML or JSON documents.
//
// A plan names the task, an optional system prompt and separator, and the
// steps of the round:
//
//	task: Name three colors.
//	system_prompt: Answer with a comma separated list.
//	separator: " "
//	steps:
//	  - kind: guidance
//	    content: "Colors:"
//	  - kind: inference
//	    max_tokens: 16
//	    stop: ["\n"]
//	    decoder: trim
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/cascade"
)

// Step kinds accepted in plans.
const (
	KindInference = "inference"
	KindGuidance  = "guidance"
)

// Decoders accepted in plans.
const (
	DecoderNone    = ""
	DecoderTrim    = "trim"
	DecoderChoice  = "choice"
	DecoderInteger = "integer"
)

const maxPlanSize = 1 << 20

// Plan describes one round.
type Plan struct {
	Task         string `yaml:"task" json:"task"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`
	// Separator overrides the configured step separator. An empty string
	// concatenates outcomes directly.
	Separator *string `yaml:"separator" json:"separator,omitempty"`
	Steps     []Step  `yaml:"steps" json:"steps"`
}

// Step describes one step of a plan.
type Step struct {
	Kind        string   `yaml:"kind" json:"kind"`
	Name        string   `yaml:"name" json:"name,omitempty"`
	Content     string   `yaml:"content" json:"content,omitempty"`
	Seed        string   `yaml:"seed" json:"seed,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
	Stop        []string `yaml:"stop" json:"stop,omitempty"`
	Grammar     string   `yaml:"grammar" json:"grammar,omitempty"`
	Cache       *bool    `yaml:"cache" json:"cache,omitempty"`
	Decoder     string   `yaml:"decoder" json:"decoder,omitempty"`
	Choices     []string `yaml:"choices" json:"choices,omitempty"`
	Min         *int     `yaml:"min" json:"min,omitempty"`
	Max         *int     `yaml:"max" json:"max,omitempty"`
}

// Parse decodes and validates a YAML plan. JSON is valid YAML, so JSON plans
// parse as well. Unknown keys are rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the plan at path.
func Load(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan: %w", err)
	}
	if info.Size() > maxPlanSize {
		return nil, fmt.Errorf("plan file too large: %d bytes (max %d)", info.Size(), maxPlanSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Parse(data)
}

// Validate checks the plan for errors.
func (p *Plan) Validate() error {
	var errs []error
	if p.Task == "" {
		errs = append(errs, errors.New("task is required"))
	}
	if p.Separator != nil && utf8.RuneCountInString(*p.Separator) > 1 {
		errs = append(errs, fmt.Errorf("separator must be at most one character, got %q", *p.Separator))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, s := range p.Steps {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func (s Step) validate() error {
	switch s.Kind {
	case KindGuidance:
		if s.Content == "" {
			return errors.New("guidance step needs content")
		}
		if s.Seed != "" || s.Decoder != DecoderNone {
			return errors.New("guidance steps take no seed or decoder")
		}
	case KindInference:
		if s.Content != "" {
			return errors.New("inference steps take a seed, not content")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}

	switch s.Decoder {
	case DecoderNone, DecoderTrim, DecoderInteger:
	case DecoderChoice:
		if len(s.Choices) == 0 {
			return errors.New("choice decoder needs choices")
		}
	default:
		return fmt.Errorf("unknown decoder %q", s.Decoder)
	}
	if s.MaxTokens != nil && *s.MaxTokens < 0 {
		return errors.New("max_tokens must be >= 0")
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return errors.New("min is greater than max")
	}
	return nil
}

// CheckBackend reports the steps whose parameters b cannot honour. The
// error wraps backend.ErrUnsupportedParam.
func (p *Plan) CheckBackend(b backend.Backend) error {
	var errs []error
	for i, s := range p.Steps {
		if s.Kind != KindInference {
			continue
		}
		if err := backend.CheckParams(b, s.config().Params); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// config converts the step into a cascade step configuration.
func (s Step) config() cascade.StepConfig {
	cfg := cascade.StepConfig{
		Name: s.Name,
		Params: backend.Params{
			MaxTokens:   s.MaxTokens,
			Temperature: s.Temperature,
			Stop:        s.Stop,
			Grammar:     s.Grammar,
		},
		SkipCache: s.Cache != nil && !*s.Cache,
	}
	switch s.Decoder {
	case DecoderTrim:
		cfg.Decoder = cascade.TrimDecoder{}
	case DecoderChoice:
		cfg.Decoder = cascade.ExactChoiceDecoder{Choices: s.Choices}
	case DecoderInteger:
		cfg.Decoder = cascade.IntegerDecoder{Min: s.Min, Max: s.Max}
	}
	return cfg
}

// Round builds a round from the plan. The plan's separator, when set, takes
// precedence over opts.
func (p *Plan) Round(opts ...cascade.RoundOption) *cascade.Round {
	switch {
	case p.Separator == nil:
	case *p.Separator == "":
		opts = append(opts, cascade.WithoutSeparator())
	default:
		sep, _ := utf8.DecodeRuneInString(*p.Separator)
		opts = append(opts, cascade.WithSeparator(sep))
	}

	r := cascade.NewRound(p.Task, opts...)
	for _, s := range p.Steps {
		switch s.Kind {
		case KindGuidance:
			r.AddGuidanceStep(s.config(), s.Content)
		case KindInference:
			r.AddInferenceStep(s.config()).WithSeed(s.Seed)
		}
	}
	return r
}

// Request creates the conversation the round runs in, starting with the
// plan's system prompt if it has one.
func (p *Plan) Request(b backend.Backend) *backend.Request {
	req := backend.NewRequest(b)
	if p.SystemPrompt != "" {
		req.Prompt.AddSystemMessage().SetContent(p.SystemPrompt)
	}
	return req
}
