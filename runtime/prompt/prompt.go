// Package prompt composes ordered prompt sections into a single prompt.
// Sections carry a weight (lower renders first) and a label; the engine
// renders each section independently, tolerates per-section failures, and
// joins the surviving instruction and message fragments deterministically.
package prompt

import (
	"bytes"
	"context"
	"text/template"

	"github.com/simcore-ai/orchestra/runtime/registry"
)

// MetaVersion is the prompt metadata schema version recorded under
// Meta["version"].
const MetaVersion = "1"

type (
	// Section is a single composable prompt fragment. Both render methods
	// may return empty text; a section contributes to the merged prompt only
	// if at least one render yields non-empty text.
	Section interface {
		// Label identifies the section for deduplication, ordering
		// tie-breaks, and provenance metadata.
		Label() string
		// Weight is the sort key; lower weights render first.
		Weight() int
		// RenderInstruction produces the section's contribution to the
		// prompt instruction, or "" for none.
		RenderInstruction(ctx context.Context, vars map[string]any) (string, error)
		// RenderMessage produces the section's contribution to the prompt
		// message, or "" for none.
		RenderMessage(ctx context.Context, vars map[string]any) (string, error)
	}

	// Prompt is the composed result. Instruction and Message are always
	// whitespace-trimmed; Meta always carries at least the "version" key
	// plus provenance about contributing sections and render errors.
	Prompt struct {
		// Instruction is the merged instruction text.
		Instruction string
		// Message is the merged message text; empty when no section
		// produced one.
		Message string
		// Meta carries provenance: "version", "sections" (contributing
		// labels in render order), and "errors" (label → message) when any
		// render failed.
		Meta map[string]any
	}

	// Static is a Section with fixed instruction and message text.
	Static struct {
		// SectionLabel is the section label.
		SectionLabel string
		// SectionWeight is the sort key.
		SectionWeight int
		// Instruction is the fixed instruction text; empty for none.
		Instruction string
		// Message is the fixed message text; empty for none.
		Message string
	}

	// Template is a Section whose texts are text/template documents
	// rendered against the build vars.
	Template struct {
		// SectionLabel is the section label.
		SectionLabel string
		// SectionWeight is the sort key.
		SectionWeight int
		// InstructionTmpl is the instruction template source; empty for none.
		InstructionTmpl string
		// MessageTmpl is the message template source; empty for none.
		MessageTmpl string
	}

	// Registry is the identity-keyed store of prompt sections.
	Registry = registry.Registry[Section]
)

// NewRegistry constructs an empty prompt-section registry.
func NewRegistry(opts ...registry.Option[Section]) *Registry {
	return registry.New[Section]("prompt_sections", opts...)
}

// Label implements Section.
func (s Static) Label() string { return s.SectionLabel }

// Weight implements Section.
func (s Static) Weight() int { return s.SectionWeight }

// RenderInstruction returns the fixed instruction text.
func (s Static) RenderInstruction(context.Context, map[string]any) (string, error) {
	return s.Instruction, nil
}

// RenderMessage returns the fixed message text.
func (s Static) RenderMessage(context.Context, map[string]any) (string, error) {
	return s.Message, nil
}

// Label implements Section.
func (s Template) Label() string { return s.SectionLabel }

// Weight implements Section.
func (s Template) Weight() int { return s.SectionWeight }

// RenderInstruction renders the instruction template against vars.
func (s Template) RenderInstruction(_ context.Context, vars map[string]any) (string, error) {
	return renderTemplate(s.SectionLabel+":instruction", s.InstructionTmpl, vars)
}

// RenderMessage renders the message template against vars.
func (s Template) RenderMessage(_ context.Context, vars map[string]any) (string, error) {
	return renderTemplate(s.SectionLabel+":message", s.MessageTmpl, vars)
}

func renderTemplate(name, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
