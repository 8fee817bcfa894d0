package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/provider"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/tools"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*provider.ChatResponse
	calls     int
	lastReq   *provider.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.lastReq = req
	if p.calls >= len(p.responses) {
		return &provider.ChatResponse{Content: "Done."}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

// recordingTool records executions and can be scripted to fail.
type recordingTool struct {
	name        string
	sideEffects bool
	fail        error
	executed    []map[string]any
}

func (t *recordingTool) Name() string               { return t.name }
func (t *recordingTool) Description() string        { return "test tool" }
func (t *recordingTool) SideEffecting() bool        { return t.sideEffects }
func (t *recordingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *recordingTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	t.executed = append(t.executed, params)
	if t.fail != nil {
		return "", t.fail
	}
	return "ok", nil
}

func toolCallResponse(calls ...provider.ToolCall) *provider.ChatResponse {
	return &provider.ChatResponse{ToolCalls: calls}
}

func newTestOrchestrator(p provider.LLMProvider, reg *tools.Registry, maxIter int) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(p, nil, reg, "test-model", maxIter, logger)
}

func TestRunStopsWhenNoToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		{Content: "Nothing to do this turn."},
	}}
	o := newTestOrchestrator(p, tools.NewRegistry(), 5)

	result, err := o.Run(context.Background(), nil, Callbacks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if result.FinalResponse != "Nothing to do this turn." {
		t.Errorf("final response = %q", result.FinalResponse)
	}
	if result.HitMaxIterations {
		t.Error("should not report exhaustion")
	}
}

func TestRunCheckpointsBeforeSideEffectingBatch(t *testing.T) {
	send := &recordingTool{name: "send_email", sideEffects: true}
	reg := tools.NewRegistry()
	reg.Register(send)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(provider.ToolCall{ID: "1", Name: "send_email", Arguments: map[string]any{}}),
		{Content: "Sent."},
	}}
	o := newTestOrchestrator(p, reg, 5)

	var checkpointOrder []string
	cb := Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error {
		if len(send.executed) != 0 {
			t.Error("checkpoint ran after tool execution")
		}
		checkpointOrder = append(checkpointOrder, strings.Join(names, ","))
		return nil
	}}

	result, err := o.Run(context.Background(), nil, cb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(checkpointOrder) != 1 || checkpointOrder[0] != "send_email" {
		t.Errorf("checkpoint calls = %v", checkpointOrder)
	}
	if len(send.executed) != 1 {
		t.Errorf("tool executed %d times, want 1", len(send.executed))
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
}

func TestRunSkipsCheckpointForReadOnlyBatch(t *testing.T) {
	avail := &recordingTool{name: "record_availability", sideEffects: false}
	reg := tools.NewRegistry()
	reg.Register(avail)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(provider.ToolCall{ID: "1", Name: "record_availability", Arguments: map[string]any{}}),
		{Content: "Recorded."},
	}}
	o := newTestOrchestrator(p, reg, 5)

	checkpoints := 0
	cb := Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error {
		checkpoints++
		return nil
	}}
	if _, err := o.Run(context.Background(), nil, cb); err != nil {
		t.Fatalf("run: %v", err)
	}
	if checkpoints != 0 {
		t.Errorf("checkpoint calls = %d, want 0 for a read-only batch", checkpoints)
	}
	if len(avail.executed) != 1 {
		t.Errorf("tool executed %d times, want 1", len(avail.executed))
	}
}

func TestRunCheckpointFailureAbortsTurn(t *testing.T) {
	send := &recordingTool{name: "send_email", sideEffects: true}
	reg := tools.NewRegistry()
	reg.Register(send)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(provider.ToolCall{ID: "1", Name: "send_email", Arguments: map[string]any{}}),
	}}
	o := newTestOrchestrator(p, reg, 5)

	boom := errors.New("database unavailable")
	cb := Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error {
		return boom
	}}
	_, err := o.Run(context.Background(), nil, cb)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want checkpoint error", err)
	}
	if len(send.executed) != 0 {
		t.Error("tool executed despite checkpoint failure")
	}
}

func TestRunReportsToolErrorsToModel(t *testing.T) {
	failing := &recordingTool{name: "confirm_booking", sideEffects: true, fail: errors.New("no active request")}
	reg := tools.NewRegistry()
	reg.Register(failing)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(provider.ToolCall{ID: "1", Name: "confirm_booking", Arguments: map[string]any{}}),
		{Content: "I could not confirm; I'll ask for clarification."},
	}}
	o := newTestOrchestrator(p, reg, 5)

	result, err := o.Run(context.Background(), nil, Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error { return nil }})
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", result.ErrorCount)
	}

	// The failure is fed back as an error-tagged tool message.
	var toolMsg *provider.Message
	for i := range result.Messages {
		if result.Messages[i].Role == "tool" {
			toolMsg = &result.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in history")
	}
	if !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool message = %q, want Error: prefix", toolMsg.Content)
	}
	if p.calls != 2 {
		t.Errorf("model calls = %d, want 2 (loop continued)", p.calls)
	}
}

func TestRunHaltsImmediatelyOnHumanReviewFlag(t *testing.T) {
	flag := &recordingTool{name: tools.NameFlagHumanReview, sideEffects: true}
	after := &recordingTool{name: "send_email", sideEffects: true}
	reg := tools.NewRegistry()
	reg.Register(flag)
	reg.Register(after)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(
			provider.ToolCall{ID: "1", Name: tools.NameFlagHumanReview, Arguments: map[string]any{}},
			provider.ToolCall{ID: "2", Name: "send_email", Arguments: map[string]any{}},
		),
	}}
	o := newTestOrchestrator(p, reg, 5)

	result, err := o.Run(context.Background(), nil, Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error { return nil }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.FlaggedForHumanReview {
		t.Error("result should be flagged for human review")
	}
	if len(flag.executed) != 1 {
		t.Errorf("flag executed %d times, want 1", len(flag.executed))
	}
	if len(after.executed) != 0 {
		t.Error("tools after the flag in the same batch must not run")
	}
	if p.calls != 1 {
		t.Errorf("model calls = %d, want 1 (no further iterations)", p.calls)
	}
}

func TestRunIterationBudgetExhaustion(t *testing.T) {
	busy := &recordingTool{name: "send_email", sideEffects: true}
	reg := tools.NewRegistry()
	reg.Register(busy)

	var responses []*provider.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(
			provider.ToolCall{ID: fmt.Sprintf("%d", i), Name: "send_email", Arguments: map[string]any{}}))
	}
	p := &scriptedProvider{responses: responses}
	o := newTestOrchestrator(p, reg, 3)

	result, err := o.Run(context.Background(), nil, Callbacks{CheckpointBeforeSideEffects: func(ctx context.Context, names []string) error { return nil }})
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if !result.HitMaxIterations {
		t.Error("result should report exhaustion")
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if p.calls != 3 {
		t.Errorf("model calls = %d, want 3", p.calls)
	}
	if len(result.ExecutedTools) != 3 {
		t.Errorf("executed tools = %v, want 3 entries", result.ExecutedTools)
	}
}

func TestRunSequentialToolResultsVisibleNextTurn(t *testing.T) {
	a := &recordingTool{name: "record_availability", sideEffects: false}
	reg := tools.NewRegistry()
	reg.Register(a)

	p := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse(provider.ToolCall{ID: "1", Name: "record_availability", Arguments: map[string]any{}}),
		{Content: "done"},
	}}
	o := newTestOrchestrator(p, reg, 5)

	if _, err := o.Run(context.Background(), []provider.Message{{Role: "user", Content: "hi"}}, Callbacks{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The second model call must see the assistant tool-call message and
	// the tool result appended to the history.
	msgs := p.lastReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("second call saw %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[2].Role != "tool" {
		t.Errorf("roles = %s, %s; want assistant, tool", msgs[1].Role, msgs[2].Role)
	}
}
