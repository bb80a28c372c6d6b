package pipeline

import (
	"strings"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/config"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// editorSystemPrompt is the persona of the final stage in full mode. The
// user's own system prompt, when present, is appended after it.
const editorSystemPrompt = `Act as an expert software developer who edits source code.
You are diligent and tireless!
You NEVER leave comments describing code without implementing it!
You always COMPLETELY IMPLEMENT the needed code!
Describe each change with a *SEARCH/REPLACE block* per the examples below.
All changes to files must use this *SEARCH/REPLACE block* format.
ONLY EVER RETURN CODE IN A *SEARCH/REPLACE BLOCK*!`

// defaultArchitectPrompt seeds the plan-producing intermediate stage when
// the operator configures none.
const defaultArchitectPrompt = `Act as an expert architect. Study the request and the prior reasoning, then describe a concrete, step-by-step plan for the change. Do not produce the final answer yourself; another engineer will implement your plan exactly as written.`

// Stage describes one upstream call within a pipeline run: which provider
// slot it uses, how its prompt is seeded from prior stages, and which of
// its upstream phases the client gets to see under which tag.
type Stage struct {
	Name  string
	Role  string
	Final bool

	// Client-visible phase per upstream phase; empty hides the deltas
	// (they are still accumulated for later stages).
	ExposeReasoning types.Phase
	ExposeContent   types.Phase

	// System rewrites the user's system prompt for this stage. Nil keeps
	// it as-is.
	System func(userSystem string) string

	// Seed builds this stage's messages from the original request and the
	// completed outputs of earlier stages. Nil sends the request as-is.
	Seed func(base []types.Message, prior map[string]*StageOutput) []types.Message
}

func (s Stage) exposed(p types.Phase) (types.Phase, bool) {
	if p == types.PhaseReasoning {
		return s.ExposeReasoning, s.ExposeReasoning != ""
	}
	return s.ExposeContent, s.ExposeContent != ""
}

// StageOutput accumulates one completed stage's text, split by upstream
// phase, for splicing into later prompts.
type StageOutput struct {
	Reasoning strings.Builder
	Content   strings.Builder
}

func (o *StageOutput) append(p types.Phase, text string) {
	if p == types.PhaseReasoning {
		o.Reasoning.WriteString(text)
		return
	}
	o.Content.WriteString(text)
}

// thought returns the stage's output preferring the content half: some
// reasoning providers put their conclusion in content after the raw chain
// of thought, and the conclusion is the better seed when present.
func (o *StageOutput) thought() string {
	if s := strings.TrimSpace(o.Content.String()); s != "" {
		return s
	}
	return strings.TrimSpace(o.Reasoning.String())
}

const (
	stageReasoning  = "reasoning"
	stageGeneration = "generation"
	stageArchitect  = "architect"
	stageEditor     = "editor"
)

// stagesFor expands a pipeline mode into its stage list.
func stagesFor(cfg config.Pipeline) ([]Stage, error) {
	switch cfg.Mode {
	case config.ModePlain, "":
		return []Stage{
			{
				Name:            stageReasoning,
				Role:            codec.RoleReasoning,
				ExposeReasoning: types.PhaseReasoning,
			},
			{
				Name:            stageGeneration,
				Role:            codec.RoleGeneration,
				Final:           true,
				ExposeReasoning: types.PhaseReasoning,
				ExposeContent:   types.PhaseContent,
				Seed:            spliceThinking(stageReasoning),
			},
		}, nil

	case config.ModeFull:
		architectPrompt := cfg.ArchitectPrompt
		if architectPrompt == "" {
			architectPrompt = defaultArchitectPrompt
		}
		planExposure := types.Phase("")
		if cfg.ExposePlan {
			planExposure = types.PhaseReasoning
		}
		return []Stage{
			{
				Name:            stageReasoning,
				Role:            codec.RoleReasoning,
				ExposeReasoning: types.PhaseReasoning,
				ExposeContent:   types.PhaseReasoning,
			},
			{
				Name:            stageArchitect,
				Role:            codec.RoleGeneration,
				ExposeReasoning: planExposure,
				ExposeContent:   planExposure,
				System:          personaSystem(architectPrompt),
				Seed:            spliceThinking(stageReasoning),
			},
			{
				Name:            stageEditor,
				Role:            codec.RoleGeneration,
				Final:           true,
				ExposeReasoning: types.PhaseReasoning,
				ExposeContent:   types.PhaseContent,
				System:          personaSystem(editorSystemPrompt),
				Seed:            splicePlan(stageReasoning, stageArchitect),
			},
		}, nil
	}
	return nil, apierror.New(apierror.KindConfig, "unknown pipeline mode %q", cfg.Mode)
}

func personaSystem(persona string) func(string) string {
	return func(userSystem string) string {
		if userSystem == "" {
			return persona
		}
		return persona + "\n\n" + userSystem
	}
}

// spliceThinking appends the named stage's thought as a trailing assistant
// message wrapped in thinking tags, so the next provider sees it as prior
// deliberation rather than user input.
func spliceThinking(from string) func([]types.Message, map[string]*StageOutput) []types.Message {
	return func(base []types.Message, prior map[string]*StageOutput) []types.Message {
		out := append([]types.Message(nil), base...)
		if src, ok := prior[from]; ok {
			if thought := src.thought(); thought != "" {
				out = append(out, types.Message{
					Role:    types.RoleAssistant,
					Content: "<thinking>\n" + thought + "\n</thinking>",
				})
			}
		}
		return out
	}
}

// splicePlan seeds the editor with both the original deliberation and the
// architect's plan.
func splicePlan(thinkingFrom, planFrom string) func([]types.Message, map[string]*StageOutput) []types.Message {
	inner := spliceThinking(thinkingFrom)
	return func(base []types.Message, prior map[string]*StageOutput) []types.Message {
		out := inner(base, prior)
		if src, ok := prior[planFrom]; ok {
			if plan := src.thought(); plan != "" {
				out = append(out, types.Message{
					Role:    types.RoleAssistant,
					Content: plan,
				})
			}
		}
		return out
	}
}
