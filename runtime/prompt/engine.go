package prompt

import (
	"context"
	"sort"
	"strings"

	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

// Engine composes registered sections into a Prompt. Sections render in
// ascending (weight, label) order — ties broken by label — so the merged
// prompt text is deterministic for a given section set. The engine is not
// safe for concurrent mutation; build it during setup, then Build freely.
type Engine struct {
	sections []Section
	byLabel  map[string]struct{}
	logger   telemetry.Logger
}

// NewEngine constructs an engine over the given sections. Sections with a
// duplicate label are dropped (first registration wins).
func NewEngine(logger telemetry.Logger, sections ...Section) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	e := &Engine{byLabel: make(map[string]struct{}), logger: logger}
	for _, s := range sections {
		e.Add(s)
	}
	return e
}

// Add registers a section. A section whose label is already registered is
// ignored; the first registration wins. Returns the engine for chaining.
func (e *Engine) Add(s Section) *Engine {
	if s == nil {
		return e
	}
	if _, dup := e.byLabel[s.Label()]; dup {
		e.logger.Debug(context.Background(), "ignoring duplicate prompt section", "label", s.Label())
		return e
	}
	e.byLabel[s.Label()] = struct{}{}
	e.sections = append(e.sections, s)
	return e
}

// Sections returns the registered sections in render order.
func (e *Engine) Sections() []Section {
	out := make([]Section, len(e.sections))
	copy(out, e.sections)
	sortSections(out)
	return out
}

// Build renders every section and merges the results into a Prompt.
// Per-section render failures are logged, recorded under Meta["errors"],
// and do not abort the build; a failing or empty section simply contributes
// nothing. Build fails only when the context is done before composition
// completes.
func (e *Engine) Build(ctx context.Context, vars map[string]any) (*Prompt, error) {
	ordered := e.Sections()
	var (
		instructions []string
		messages     []string
		contributed  []string
		renderErrs   map[string]string
	)
	for _, s := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		instruction, message, err := renderSection(ctx, s, vars)
		if err != nil {
			e.logger.Warn(ctx, "prompt section failed to render", "label", s.Label(), "err", err.Error())
			if renderErrs == nil {
				renderErrs = make(map[string]string)
			}
			renderErrs[s.Label()] = err.Error()
			continue
		}
		if instruction == "" && message == "" {
			continue
		}
		if instruction != "" {
			instructions = append(instructions, instruction)
		}
		if message != "" {
			messages = append(messages, message)
		}
		contributed = append(contributed, s.Label())
	}
	meta := map[string]any{
		"version":  MetaVersion,
		"sections": contributed,
	}
	if renderErrs != nil {
		meta["errors"] = renderErrs
	}
	return &Prompt{
		Instruction: strings.TrimSpace(strings.Join(instructions, "\n\n")),
		Message:     strings.TrimSpace(strings.Join(messages, "\n\n")),
		Meta:        meta,
	}, nil
}

// BuildFrom composes a one-shot prompt from the given sections without
// constructing a reusable engine.
func BuildFrom(ctx context.Context, vars map[string]any, sections ...Section) (*Prompt, error) {
	return NewEngine(nil, sections...).Build(ctx, vars)
}

// renderSection renders both sides of a section. A failure in either render
// fails the section as a whole; the other side's partial output is
// discarded so a section never contributes half its content.
func renderSection(ctx context.Context, s Section, vars map[string]any) (instruction, message string, err error) {
	instruction, err = s.RenderInstruction(ctx, vars)
	if err != nil {
		return "", "", err
	}
	message, err = s.RenderMessage(ctx, vars)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(instruction), strings.TrimSpace(message), nil
}

func sortSections(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].Weight() != sections[j].Weight() {
			return sections[i].Weight() < sections[j].Weight()
		}
		return sections[i].Label() < sections[j].Label()
	})
}
