// Package agent implements the scheduling agent: the bounded tool-execution
// loop and the service that feeds it inbound email.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/provider"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/resilience"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/tools"
)

// DefaultMaxIterations bounds the model calls per agent turn.
const DefaultMaxIterations = 5

// Callbacks hooks the loop into its collaborators.
type Callbacks struct {
	// CheckpointBeforeSideEffects runs before any batch containing a
	// side-effecting tool. A failure aborts the turn: no effect may ever
	// precede its checkpoint.
	CheckpointBeforeSideEffects func(ctx context.Context, toolNames []string) error
}

// RunResult summarizes one agent turn.
type RunResult struct {
	Iterations            int
	ErrorCount            int
	ExecutedTools         []string
	FlaggedForHumanReview bool
	HitMaxIterations      bool
	FinalResponse         string
	Messages              []provider.Message
	Usage                 provider.Usage
}

// Orchestrator drives the model through at most maxIterations call-and-
// execute rounds per turn.
type Orchestrator struct {
	provider      provider.LLMProvider
	caller        *resilience.Caller
	registry      *tools.Registry
	model         string
	maxIterations int
	logger        *slog.Logger
}

// NewOrchestrator wires the loop. caller may be nil for a bare provider.
func NewOrchestrator(p provider.LLMProvider, caller *resilience.Caller, registry *tools.Registry, model string, maxIterations int, logger *slog.Logger) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if model == "" {
		model = p.DefaultModel()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:      p,
		caller:        caller,
		registry:      registry,
		model:         model,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

func (o *Orchestrator) chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if o.caller == nil {
		return o.provider.Chat(ctx, req)
	}
	var resp *provider.ChatResponse
	err := o.caller.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = o.provider.Chat(ctx, req)
		return err
	})
	return resp, err
}

// Run executes one agent turn over the given message history. It returns an
// error only when the model is unreachable or a checkpoint write fails;
// tool failures are reported back to the model, and iteration exhaustion is
// a warning, not an error.
func (o *Orchestrator) Run(ctx context.Context, messages []provider.Message, cb Callbacks) (*RunResult, error) {
	toolDefs := o.registry.Definitions()
	result := &RunResult{}

	for i := 0; i < o.maxIterations; i++ {
		result.Iterations = i + 1

		resp, err := o.chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       o.model,
			MaxTokens:   4096,
			Temperature: 0.7,
		})
		if err != nil {
			result.Messages = messages
			return result, fmt.Errorf("model call failed: %w", err)
		}
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			result.FinalResponse = resp.Content
			if resp.Content != "" {
				messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content})
			}
			result.Messages = messages
			return result, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if cb.CheckpointBeforeSideEffects != nil && o.batchHasSideEffects(resp.ToolCalls) {
			names := make([]string, len(resp.ToolCalls))
			for ti, tc := range resp.ToolCalls {
				names[ti] = tc.Name
			}
			if err := cb.CheckpointBeforeSideEffects(ctx, names); err != nil {
				result.Messages = messages
				return result, fmt.Errorf("checkpoint before side effects: %w", err)
			}
		}

		escalated := false
		for _, tc := range resp.ToolCalls {
			toolResult, err := o.registry.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				toolResult = fmt.Sprintf("Error: %v", err)
				result.ErrorCount++
			}
			result.ExecutedTools = append(result.ExecutedTools, tc.Name)
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    toolResult,
				ToolCallID: tc.ID,
			})
			o.logger.Debug("tool executed", "name", tc.Name, "error", err != nil)

			if tc.Name == tools.NameFlagHumanReview && err == nil {
				escalated = true
				break
			}
		}
		if escalated {
			result.FlaggedForHumanReview = true
			result.Messages = messages
			return result, nil
		}
	}

	o.logger.Warn("iteration budget exhausted", "iterations", o.maxIterations)
	result.HitMaxIterations = true
	result.Messages = messages
	return result, nil
}

func (o *Orchestrator) batchHasSideEffects(calls []provider.ToolCall) bool {
	for _, tc := range calls {
		tool, ok := o.registry.Get(tc.Name)
		if !ok {
			continue
		}
		if tools.HasSideEffects(tool) {
			return true
		}
	}
	return false
}
