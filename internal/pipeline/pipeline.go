// Package pipeline sequences provider calls for one request and flattens
// their output into a single ordered canonical event stream.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/config"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// outBuffer bounds the window between the orchestrator and the
// multiplexer, mirroring the per-call window of the provider adapters.
const outBuffer = 4

// Upstream is the provider-adapter surface the orchestrator drives. One
// implementation per configured provider slot.
type Upstream interface {
	Stream(ctx context.Context, p codec.Prompt, override types.ProviderOverride) (<-chan types.Event, error)
	Complete(ctx context.Context, p codec.Prompt, override types.ProviderOverride) ([]types.Event, error)
}

// Orchestrator runs the configured stage list. It is stateless across
// requests; all per-request accumulation lives on the stack of one Run or
// Collect call.
type Orchestrator struct {
	stages []Stage
	slots  map[string]Upstream
}

// New builds an orchestrator for the configured mode over the given
// provider slots.
func New(cfg config.Pipeline, slots map[string]Upstream) (*Orchestrator, error) {
	stages, err := stagesFor(cfg)
	if err != nil {
		return nil, err
	}
	for _, st := range stages {
		if _, ok := slots[st.Role]; !ok {
			return nil, apierror.New(apierror.KindConfig, "pipeline stage %s needs provider %q, which is not configured", st.Name, st.Role)
		}
	}
	return &Orchestrator{stages: stages, slots: slots}, nil
}

// Result is the fully accumulated output of one aggregate run.
type Result struct {
	Reasoning string
	Content   string
	Finish    types.FinishReason
	Usage     map[string]types.Usage // keyed by provider role
}

// Run drives all stages and forwards client-visible events on the
// returned channel. The channel is closed when the run finishes, fails,
// or the context is cancelled; a failure is reported as a trailing
// EventError. Already-forwarded deltas are never retracted.
func (o *Orchestrator) Run(ctx context.Context, req *types.ChatRequest) <-chan types.Event {
	out := make(chan types.Event, outBuffer)
	go func() {
		defer close(out)
		o.run(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req *types.ChatRequest, out chan<- types.Event) {
	emit := func(evt types.Event) bool {
		select {
		case out <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	prior := make(map[string]*StageOutput, len(o.stages))
	for _, st := range o.stages {
		start := time.Now()
		events, err := o.slots[st.Role].Stream(ctx, o.promptFor(st, req, prior), overrideFor(req, st.Role))
		if err != nil {
			emit(types.ErrorEvent(err))
			return
		}

		acc := &StageOutput{}
		prior[st.Name] = acc
		ended := false

	stage:
		for evt := range events {
			switch evt.Kind {
			case types.EventDelta:
				acc.append(evt.Phase, evt.Text)
				if phase, visible := st.exposed(evt.Phase); visible {
					if !emit(types.Delta(phase, evt.Text)) {
						return
					}
				}
			case types.EventError:
				emit(evt)
				return
			case types.EventStageEnd:
				ended = true
				slog.Debug("stage complete",
					slog.String("stage", st.Name),
					slog.String("finish", string(evt.Reason)),
					slog.Duration("elapsed", time.Since(start)))
				if !st.Final && evt.Reason == types.FinishError {
					// A failed intermediate stage has nothing usable to
					// seed the next prompt with.
					emit(types.ErrorEvent(apierror.New(apierror.KindUpstream,
						"%s stage failed", st.Name)))
					return
				}
				if st.Final {
					if !emit(evt) {
						return
					}
				}
				break stage
			}
		}
		if !ended {
			// The adapter closed the channel without a stage end; that
			// only happens when the request context is gone.
			return
		}
	}
}

// Collect drives all stages over non-streaming provider calls and returns
// the accumulated result. The visible text is built by the same exposure
// rules Run applies frame-by-frame.
func (o *Orchestrator) Collect(ctx context.Context, req *types.ChatRequest) (*Result, error) {
	res := &Result{Finish: types.FinishStop, Usage: make(map[string]types.Usage, 2)}

	prior := make(map[string]*StageOutput, len(o.stages))
	for _, st := range o.stages {
		events, err := o.slots[st.Role].Complete(ctx, o.promptFor(st, req, prior), overrideFor(req, st.Role))
		if err != nil {
			return nil, err
		}

		acc := &StageOutput{}
		prior[st.Name] = acc

		for _, evt := range events {
			switch evt.Kind {
			case types.EventDelta:
				acc.append(evt.Phase, evt.Text)
				if phase, visible := st.exposed(evt.Phase); visible {
					if phase == types.PhaseReasoning {
						res.Reasoning += evt.Text
					} else {
						res.Content += evt.Text
					}
				}
			case types.EventError:
				return nil, evt.Err
			case types.EventStageEnd:
				if evt.Usage != nil {
					res.Usage[st.Role] = addUsage(res.Usage[st.Role], *evt.Usage)
				}
				if !st.Final && evt.Reason == types.FinishError {
					return nil, apierror.New(apierror.KindUpstream, "%s stage failed", st.Name)
				}
				if st.Final {
					res.Finish = evt.Reason
				}
			}
		}
	}
	return res, nil
}

// Roles lists the provider slots the configured mode calls, deduplicated
// in stage order.
func (o *Orchestrator) Roles() []string {
	seen := make(map[string]bool, 2)
	roles := make([]string, 0, 2)
	for _, st := range o.stages {
		if !seen[st.Role] {
			seen[st.Role] = true
			roles = append(roles, st.Role)
		}
	}
	return roles
}

func (o *Orchestrator) promptFor(st Stage, req *types.ChatRequest, prior map[string]*StageOutput) codec.Prompt {
	messages := req.Messages
	if st.Seed != nil {
		messages = st.Seed(req.Messages, prior)
	}
	system := req.System
	if st.System != nil {
		system = st.System(req.System)
	}
	return codec.Prompt{Messages: messages, System: system}
}

func overrideFor(req *types.ChatRequest, role string) types.ProviderOverride {
	if role == codec.RoleReasoning {
		return req.DeepSeekConfig
	}
	return req.AnthropicConfig
}

func addUsage(a, b types.Usage) types.Usage {
	return types.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
