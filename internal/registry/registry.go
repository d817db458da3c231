package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDefinition []byte

var (
	// ErrUnknownModel is returned by Resolve for names that are not registered.
	ErrUnknownModel = errors.New("unknown model resource")
	// ErrUnknownPrompt is returned when a model references a missing prompt.
	ErrUnknownPrompt = errors.New("unknown prompt resource")
)

// Providers understood by the chat router.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// ModelSpec describes a named chat model resource.
type ModelSpec struct {
	Provider    string   `yaml:"provider"`
	Endpoint    string   `yaml:"endpoint"`
	Model       string   `yaml:"model"`
	Prompt      string   `yaml:"prompt"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	// Format is passed to providers that support constrained output, e.g. "json".
	Format string `yaml:"format"`
}

// MessageSpec is one message of a prompt template.
type MessageSpec struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// PromptSpec describes a named prompt resource.
type PromptSpec struct {
	// Format selects the template syntax: "go" (default), "fstring" or "jinja2".
	Format   string        `yaml:"format"`
	Messages []MessageSpec `yaml:"messages"`
}

type definition struct {
	Models  map[string]ModelSpec  `yaml:"models"`
	Prompts map[string]PromptSpec `yaml:"prompts"`
}

// Template is a resolved prompt ready for rendering.
type Template struct {
	Name     string
	Format   schema.FormatType
	Messages []*schema.Message
}

// Resolution is everything a caller needs to talk to a model resource.
type Resolution struct {
	Name        string
	Provider    string
	Endpoint    string
	ModelID     string
	Temperature *float32
	MaxTokens   int
	Format      string
	Prompt      Template
}

// Registry maps resource names to model and prompt definitions. It is
// read-only after construction and safe for concurrent use.
type Registry struct {
	models  map[string]ModelSpec
	prompts map[string]PromptSpec
}

// Default returns the registry compiled into the binary.
func Default() *Registry {
	r, err := Parse(defaultDefinition)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded definition: %v", err))
	}
	return r
}

// Load reads a YAML registry definition from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a YAML registry definition.
func Parse(data []byte) (*Registry, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	r := &Registry{models: def.Models, prompts: def.Prompts}
	if r.models == nil {
		r.models = map[string]ModelSpec{}
	}
	if r.prompts == nil {
		r.prompts = map[string]PromptSpec{}
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validate() error {
	for name, m := range r.models {
		switch m.Provider {
		case ProviderOllama, ProviderGemini:
		default:
			return fmt.Errorf("model %q: unsupported provider %q", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("model %q: model id is required", name)
		}
		if m.Prompt != "" {
			if _, ok := r.prompts[m.Prompt]; !ok {
				return fmt.Errorf("model %q: %w: %q", name, ErrUnknownPrompt, m.Prompt)
			}
		}
	}
	for name, p := range r.prompts {
		if _, err := formatType(p.Format); err != nil {
			return fmt.Errorf("prompt %q: %w", name, err)
		}
		if len(p.Messages) == 0 {
			return fmt.Errorf("prompt %q: no messages", name)
		}
		for i, m := range p.Messages {
			if _, err := roleType(m.Role); err != nil {
				return fmt.Errorf("prompt %q message %d: %w", name, i, err)
			}
		}
	}
	return nil
}

// WithModelID returns a copy of the registry in which the named resource
// points at a different model id. Unknown names are an error.
func (r *Registry) WithModelID(name, modelID string) (*Registry, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	out := &Registry{models: make(map[string]ModelSpec, len(r.models)), prompts: r.prompts}
	for k, v := range r.models {
		out.models[k] = v
	}
	m.Model = modelID
	out.models[name] = m
	return out, nil
}

// Models returns the registered model resource names, sorted.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelIDs returns the distinct model ids served by the given provider.
func (r *Registry) ModelIDs(provider string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, name := range r.Models() {
		m := r.models[name]
		if m.Provider != provider || seen[m.Model] {
			continue
		}
		seen[m.Model] = true
		ids = append(ids, m.Model)
	}
	return ids
}

// Resolve looks up a model resource and the prompt it references.
func (r *Registry) Resolve(name string) (Resolution, error) {
	m, ok := r.models[name]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	res := Resolution{
		Name:        name,
		Provider:    m.Provider,
		Endpoint:    m.Endpoint,
		ModelID:     m.Model,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Format:      m.Format,
	}
	if m.Prompt == "" {
		return res, nil
	}
	tpl, err := r.Prompt(m.Prompt)
	if err != nil {
		return Resolution{}, err
	}
	res.Prompt = tpl
	return res, nil
}

// Prompt returns the named prompt template.
func (r *Registry) Prompt(name string) (Template, error) {
	p, ok := r.prompts[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownPrompt, name)
	}
	ft, _ := formatType(p.Format)
	tpl := Template{Name: name, Format: ft}
	for _, m := range p.Messages {
		role, _ := roleType(m.Role)
		tpl.Messages = append(tpl.Messages, &schema.Message{Role: role, Content: m.Content})
	}
	return tpl, nil
}

// Render fills the template with vars and returns the resulting messages.
func Render(ctx context.Context, tpl Template, vars map[string]any) ([]*schema.Message, error) {
	if len(tpl.Messages) == 0 {
		return nil, fmt.Errorf("rendering %q: empty template", tpl.Name)
	}
	templates := make([]schema.MessagesTemplate, 0, len(tpl.Messages))
	for _, m := range tpl.Messages {
		templates = append(templates, m)
	}
	msgs, err := prompt.FromMessages(tpl.Format, templates...).Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("rendering %q: %w", tpl.Name, err)
	}
	return msgs, nil
}

func formatType(s string) (schema.FormatType, error) {
	switch s {
	case "", "go":
		return schema.GoTemplate, nil
	case "fstring":
		return schema.FString, nil
	case "jinja2":
		return schema.Jinja2, nil
	default:
		return 0, fmt.Errorf("unsupported template format %q", s)
	}
}

func roleType(s string) (schema.RoleType, error) {
	switch s {
	case "system":
		return schema.System, nil
	case "user":
		return schema.User, nil
	case "assistant":
		return schema.Assistant, nil
	default:
		return "", fmt.Errorf("unsupported role %q", s)
	}
}
