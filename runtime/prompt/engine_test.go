package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSection struct {
	label  string
	weight int
	err    error
}

func (s failingSection) Label() string { return s.label }
func (s failingSection) Weight() int   { return s.weight }
func (s failingSection) RenderInstruction(context.Context, map[string]any) (string, error) {
	return "", s.err
}
func (s failingSection) RenderMessage(context.Context, map[string]any) (string, error) {
	return "ignored", nil
}

func TestBuildOrdersByWeight(t *testing.T) {
	p, err := BuildFrom(context.Background(), nil,
		Static{SectionLabel: "a", SectionWeight: 10, Instruction: "x"},
		Static{SectionLabel: "b", SectionWeight: 5, Instruction: "y"},
	)
	require.NoError(t, err)
	assert.Equal(t, "y\n\nx", p.Instruction)
	assert.Equal(t, []string{"b", "a"}, p.Meta["sections"])
}

func TestBuildBreaksTiesByLabel(t *testing.T) {
	p, err := BuildFrom(context.Background(), nil,
		Static{SectionLabel: "zeta", SectionWeight: 1, Instruction: "second"},
		Static{SectionLabel: "alpha", SectionWeight: 1, Instruction: "first"},
	)
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", p.Instruction)
}

func TestBuildRecordsSectionErrors(t *testing.T) {
	p, err := BuildFrom(context.Background(), nil,
		failingSection{label: "broken", weight: 1, err: errors.New("render failed")},
		Static{SectionLabel: "ok", SectionWeight: 2, Instruction: "still here"},
	)
	require.NoError(t, err)
	assert.Equal(t, "still here", p.Instruction)
	assert.Empty(t, p.Message)

	errsMeta, ok := p.Meta["errors"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, errsMeta["broken"], "render failed")
	assert.Equal(t, []string{"ok"}, p.Meta["sections"])
}

func TestBuildSkipsEmptySections(t *testing.T) {
	p, err := BuildFrom(context.Background(), nil,
		Static{SectionLabel: "blank", SectionWeight: 1, Instruction: "   "},
		Static{SectionLabel: "real", SectionWeight: 2, Message: "hello"},
	)
	require.NoError(t, err)
	assert.Empty(t, p.Instruction)
	assert.Equal(t, "hello", p.Message)
	assert.Equal(t, []string{"real"}, p.Meta["sections"])
}

func TestBuildMetaAlwaysHasVersion(t *testing.T) {
	p, err := BuildFrom(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, MetaVersion, p.Meta["version"])
	assert.Empty(t, p.Instruction)
}

func TestAddDedupesByLabel(t *testing.T) {
	e := NewEngine(nil,
		Static{SectionLabel: "dup", SectionWeight: 1, Instruction: "first"},
		Static{SectionLabel: "dup", SectionWeight: 2, Instruction: "second"},
	)
	p, err := e.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Instruction)
	assert.Len(t, e.Sections(), 1)
}

func TestTemplateSection(t *testing.T) {
	p, err := BuildFrom(context.Background(), map[string]any{"patient": "Ms. Alvarez"},
		Template{
			SectionLabel:    "case",
			SectionWeight:   1,
			InstructionTmpl: "You are role-playing {{.patient}}.",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "You are role-playing Ms. Alvarez.", p.Instruction)
}

func TestTemplateSectionMissingVarFailsSection(t *testing.T) {
	p, err := BuildFrom(context.Background(), map[string]any{},
		Template{SectionLabel: "case", SectionWeight: 1, InstructionTmpl: "{{.missing}}"},
		Static{SectionLabel: "base", SectionWeight: 0, Instruction: "intact"},
	)
	require.NoError(t, err)
	assert.Equal(t, "intact", p.Instruction)
	_, failed := p.Meta["errors"].(map[string]string)["case"]
	assert.True(t, failed)
}

func TestBuildHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildFrom(ctx, nil, Static{SectionLabel: "a", SectionWeight: 1, Instruction: "x"})
	require.ErrorIs(t, err, context.Canceled)
}
