// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package prompt renders (instruction, input, output) records into training
// prompts using named templates.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/utils"
)

const (
	instructionPlaceholder = "{instruction}"
	inputPlaceholder       = "{input}"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// PromptTemplate is immutable once loaded.
type PromptTemplate struct {
	Name          string `yaml:"-"`
	Description   string `yaml:"description"`
	PromptInput   string `yaml:"prompt_input"`
	PromptNoInput string `yaml:"prompt_no_input"`
	ResponseSplit string `yaml:"response_split"`
}

func (t *PromptTemplate) validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is empty")
	}
	if !strings.Contains(t.PromptInput, instructionPlaceholder) {
		return fmt.Errorf("template %q: prompt_input must contain %s", t.Name, instructionPlaceholder)
	}
	if !strings.Contains(t.PromptNoInput, instructionPlaceholder) {
		return fmt.Errorf("template %q: prompt_no_input must contain %s", t.Name, instructionPlaceholder)
	}
	return nil
}

// Render fills the template. Placeholders are substituted in one pass, so
// text coming from the instruction is never expanded again as {input}.
func (t *PromptTemplate) Render(instruction, input, output string) string {
	var res string
	if input != "" {
		res = strings.NewReplacer(instructionPlaceholder, instruction, inputPlaceholder, input).Replace(t.PromptInput)
	} else {
		res = strings.NewReplacer(instructionPlaceholder, instruction).Replace(t.PromptNoInput)
	}
	if output != "" {
		res += output
	}
	return res
}

// Registry holds prompt templates by name.
type Registry struct {
	sync.RWMutex
	templates map[string]*PromptTemplate
}

// NewRegistry returns a registry preloaded with the built-in templates.
func NewRegistry() (*Registry, error) {
	reg := &Registry{templates: map[string]*PromptTemplate{}}
	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := builtinTemplates.ReadFile(path.Join("templates", entry.Name()))
		if err != nil {
			return nil, err
		}
		t, err := parseTemplate(templateName(entry.Name()), data)
		if err != nil {
			return nil, err
		}
		reg.templates[t.Name] = t
	}
	return reg, nil
}

func templateName(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

func parseTemplate(name string, data []byte) (*PromptTemplate, error) {
	t := &PromptTemplate{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
	}
	t.Name = name
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Add registers t, replacing any template with the same name.
func (r *Registry) Add(t *PromptTemplate) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	r.templates[t.Name] = t
	return nil
}

// LoadDir registers every .yaml, .yml and .json file in dir; the file stem is
// the template name.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		t, err := parseTemplate(templateName(entry.Name()), data)
		if err != nil {
			return err
		}
		if err := r.Add(t); err != nil {
			return err
		}
		klog.V(2).InfoS("Loaded prompt template", "name", t.Name, "file", entry.Name())
	}
	return nil
}

// Get returns the named template or a ConfigurationError.
func (r *Registry) Get(name string) (*PromptTemplate, error) {
	r.RLock()
	defer r.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, utils.NewConfigurationError("prompt_template_name", "unknown template %q (available: %s)",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.RLock()
	defer r.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultRegistry     *Registry
	defaultRegistryErr  error
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared registry of built-in templates.
func DefaultRegistry() (*Registry, error) {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = NewRegistry()
	})
	return defaultRegistry, defaultRegistryErr
}

// Render renders a record with a built-in template.
func Render(instruction, input, output, templateName string) (string, error) {
	reg, err := DefaultRegistry()
	if err != nil {
		return "", err
	}
	t, err := reg.Get(templateName)
	if err != nil {
		return "", err
	}
	return t.Render(instruction, input, output), nil
}
