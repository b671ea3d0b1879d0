// ABOUTME: Tool definitions and registry loaded from YAML files
// ABOUTME: Each guided tool declares its slot schema and extractor strategy

package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTool is returned when a tool ID is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Extractor strategy names selectable per tool.
const (
	ExtractorModel   = "model"
	ExtractorPattern = "pattern"
)

// Tool is one guided tool definition: an ID, a display name, the extractor
// strategy used to pull answers out of utterances, and the slot schema.
type Tool struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Extractor string `yaml:"extractor"`
	Schema    *SlotSchema
}

// toolFile is the on-disk YAML shape of a tool definition.
type toolFile struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Extractor string `yaml:"extractor"`
	Slots     []Slot `yaml:"slots"`
}

// Registry holds the loaded tool definitions, keyed by tool ID.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry builds a registry from already-parsed tools. Used by tests and
// callers that construct tools programmatically.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, tool := range tools {
		if err := r.add(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir reads every *.yaml/*.yml file in dir as a tool definition.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading tool directory: %w", err)
	}

	r := &Registry{tools: make(map[string]*Tool)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tool, err := loadToolFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading tool %s: %w", entry.Name(), err)
		}
		if err := r.add(tool); err != nil {
			return nil, err
		}
	}

	if len(r.tools) == 0 {
		return nil, fmt.Errorf("no tool definitions found in %s", dir)
	}
	return r, nil
}

// loadToolFile parses a single tool YAML file.
func loadToolFile(path string) (*Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf toolFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if tf.ID == "" {
		return nil, errors.New("tool id is required")
	}

	extractor := tf.Extractor
	if extractor == "" {
		extractor = ExtractorModel
	}
	if extractor != ExtractorModel && extractor != ExtractorPattern {
		return nil, fmt.Errorf("unknown extractor %q", extractor)
	}

	slotSchema, err := New(tf.Slots)
	if err != nil {
		return nil, err
	}

	return &Tool{
		ID:        tf.ID,
		Name:      tf.Name,
		Extractor: extractor,
		Schema:    slotSchema,
	}, nil
}

// add registers a tool, rejecting duplicate IDs.
func (r *Registry) add(tool *Tool) error {
	if tool.ID == "" {
		return errors.New("tool id is required")
	}
	if tool.Schema == nil {
		return fmt.Errorf("tool %q: schema is required", tool.ID)
	}
	if tool.Extractor == "" {
		tool.Extractor = ExtractorModel
	}
	if _, dup := r.tools[tool.ID]; dup {
		return fmt.Errorf("duplicate tool id %q", tool.ID)
	}
	r.tools[tool.ID] = tool
	return nil
}

// Tool looks up a tool by ID.
func (r *Registry) Tool(id string) (*Tool, error) {
	tool, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
	return tool, nil
}

// List returns all tools sorted by ID.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
