// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"k8s.io/klog/v2"
)

// Prompter is bound to a single template for the lifetime of a run.
type Prompter struct {
	template *PromptTemplate
}

func NewPrompter(reg *Registry, name string) (*Prompter, error) {
	t, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	klog.V(1).InfoS("Using prompt template", "name", t.Name, "description", t.Description)
	return &Prompter{template: t}, nil
}

func (p *Prompter) TemplateName() string {
	return p.template.Name
}

// Fingerprint changes whenever the rendered text of the template would.
func (p *Prompter) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{p.template.PromptInput, p.template.PromptNoInput, p.template.ResponseSplit} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GeneratePrompt renders the record; an empty output yields the prompt the
// model is asked to complete.
func (p *Prompter) GeneratePrompt(instruction, input, output string) string {
	return p.template.Render(instruction, input, output)
}

// GetResponse returns the text between the first response marker of a
// generated text and the next one, if any.
func (p *Prompter) GetResponse(output string) string {
	if p.template.ResponseSplit == "" {
		return strings.TrimSpace(output)
	}
	parts := strings.SplitN(output, p.template.ResponseSplit, 3)
	if len(parts) < 2 {
		return strings.TrimSpace(output)
	}
	return strings.TrimSpace(parts[1])
}
