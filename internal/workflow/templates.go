package workflow

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrTemplateNotFound is returned when instantiating an unregistered
// template name.
var ErrTemplateNotFound = errors.New("workflow: template not found")

// Template is a reusable workflow definition loaded from YAML. Well-known
// collaborations (market timing, ethical analysis, holistic health) ship
// as templates instead of being hard-coded.
type Template struct {
	Name            string     `yaml:"name"`
	Description     string     `yaml:"description"`
	Mode            Mode       `yaml:"mode"`
	SynthesisOffice string     `yaml:"synthesis_office"`
	Tasks           []TaskSpec `yaml:"tasks"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates parses a YAML template file.
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes templates from YAML bytes.
func ParseTemplates(data []byte) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for i, tpl := range file.Templates {
		if tpl.Name == "" {
			return nil, fmt.Errorf("template %d: missing name", i)
		}
		switch tpl.Mode {
		case Sequential, Parallel, Graph:
		case "":
			file.Templates[i].Mode = Sequential
		default:
			return nil, fmt.Errorf("template %q: unknown mode %q", tpl.Name, tpl.Mode)
		}
	}
	return file.Templates, nil
}

// CreateFromTemplate instantiates a template as a new workflow.
func (e *Engine) CreateFromTemplate(tpl Template) (string, error) {
	return e.CreateWorkflow(tpl.Name, tpl.Description, tpl.Tasks, tpl.Mode, tpl.SynthesisOffice)
}

// RegisterTemplates makes templates instantiable by name. Later
// registrations replace earlier ones.
func (e *Engine) RegisterTemplates(tpls []Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tpl := range tpls {
		e.templates[tpl.Name] = tpl
	}
}

// InstantiateTemplate creates a workflow from a registered template and
// returns the new workflow ID.
func (e *Engine) InstantiateTemplate(name string) (string, error) {
	e.mu.RLock()
	tpl, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return e.CreateFromTemplate(tpl)
}
