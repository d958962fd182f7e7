// Package runner drives a single agent turn: it streams model output
// as sequence-numbered events through a bounded mailbox, executes tool
// calls inline, keeps the transport alive with heartbeats, and
// guarantees exactly one terminal event per turn.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/llm"
	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/registry"
)

const (
	defaultMailbox   = 64
	defaultHeartbeat = 5 * time.Second

	// cancelFlushBudget bounds how long a cancelled turn may take to
	// deliver its final event.
	cancelFlushBudget = 2 * time.Second
)

// Streamer is the slice of the provider pool the runner needs.
type Streamer interface {
	Stream(ctx context.Context, provider string, req llm.Request) (<-chan llm.Chunk, <-chan error)
}

// ToolExecutor runs one tool call. Implementations must honor ctx.
type ToolExecutor interface {
	Execute(ctx context.Context, agentID string, call models.ToolCall) models.ToolResult
}

// TurnInput is everything one turn needs.
type TurnInput struct {
	Instance  *registry.AgentInstance
	ConvID    string
	TurnIndex int
	Messages  []models.Message
	Tools     []llm.ToolDef
	ToolExec  ToolExecutor
	MaxTokens int
}

// Runner executes turns against the provider pool.
type Runner struct {
	pool      Streamer
	prices    *config.PriceTable
	heartbeat time.Duration
	mailbox   int
}

// Option configures a Runner.
type Option func(*Runner)

// WithHeartbeat overrides the keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Runner) { r.heartbeat = d }
}

// WithMailbox overrides the event buffer size.
func WithMailbox(n int) Option {
	return func(r *Runner) { r.mailbox = n }
}

// New creates a Runner.
func New(pool Streamer, prices *config.PriceTable, opts ...Option) *Runner {
	r := &Runner{
		pool:      pool,
		prices:    prices,
		heartbeat: defaultHeartbeat,
		mailbox:   defaultMailbox,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the turn and returns its event stream. The stream is
// finite and ends with exactly one final or error event. Delta, tool
// and terminal sends apply back-pressure; heartbeats are dropped when
// the mailbox is full.
func (r *Runner) Run(ctx context.Context, in TurnInput) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, r.mailbox)
	go r.run(ctx, in, out)
	return out
}

type turnState struct {
	in        TurnInput
	out       chan<- models.StreamEvent
	seq       int
	charCount int
	usage     *models.TokenUsage
	lastDelta time.Time
}

func (r *Runner) run(ctx context.Context, in TurnInput, out chan<- models.StreamEvent) {
	defer close(out)

	in.Instance.Acquire()
	defer in.Instance.Release()

	st := &turnState{in: in, out: out, lastDelta: time.Now()}

	def := in.Instance.Def
	req := llm.Request{
		Model:        in.Instance.Model,
		SystemPrompt: def.SystemPrompt,
		Messages:     in.Messages,
		Tools:        in.Tools,
		Temperature:  def.Temperature,
		MaxTokens:    in.MaxTokens,
	}

	chunks, errs := r.pool.Stream(ctx, in.Instance.Provider, req)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	finish := ""
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if err := <-errs; err != nil {
					if ctx.Err() != nil {
						r.flushCancelled(st)
						return
					}
					r.emitError(st, err)
					return
				}
				r.emitFinal(ctx, st, reasonFromFinish(finish))
				return
			}
			if !r.handleChunk(ctx, st, chunk, &finish) {
				r.flushCancelled(st)
				return
			}

		case <-ticker.C:
			if time.Since(st.lastDelta) >= r.heartbeat {
				r.emitHeartbeat(st)
			}

		case <-ctx.Done():
			r.flushCancelled(st)
			return
		}
	}
}

// handleChunk forwards one model chunk. Returns false when the turn
// was cancelled mid-send.
func (r *Runner) handleChunk(ctx context.Context, st *turnState, chunk llm.Chunk, finish *string) bool {
	switch {
	case chunk.Content != "":
		st.charCount += len(chunk.Content)
		st.lastDelta = time.Now()
		return r.send(ctx, st, models.StreamEvent{
			Kind:  models.EventDelta,
			Delta: &models.DeltaEvent{Content: chunk.Content},
		})

	case chunk.ToolCall != nil:
		if !r.send(ctx, st, models.StreamEvent{
			Kind:     models.EventToolCall,
			ToolCall: chunk.ToolCall,
		}) {
			return false
		}
		result := r.executeTool(ctx, st.in, *chunk.ToolCall)
		return r.send(ctx, st, models.StreamEvent{
			Kind:       models.EventToolResult,
			ToolResult: &result,
		})

	default:
		if chunk.Usage != nil {
			st.usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			*finish = chunk.FinishReason
		}
		return true
	}
}

func (r *Runner) executeTool(ctx context.Context, in TurnInput, call models.ToolCall) models.ToolResult {
	if in.ToolExec == nil {
		return models.ToolResult{CallID: call.CallID, Error: "no tool executor configured"}
	}
	result := in.ToolExec.Execute(ctx, in.Instance.Def.ID, call)
	result.CallID = call.CallID
	return result
}

// send delivers with back-pressure, giving up on cancellation.
func (r *Runner) send(ctx context.Context, st *turnState, ev models.StreamEvent) bool {
	ev.ConvID = st.in.ConvID
	ev.TurnIndex = st.in.TurnIndex
	ev.Seq = st.seq

	select {
	case st.out <- ev:
		st.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

// emitHeartbeat drops the event when the mailbox is full.
func (r *Runner) emitHeartbeat(st *turnState) {
	ev := models.StreamEvent{
		Kind:      models.EventHeartbeat,
		ConvID:    st.in.ConvID,
		TurnIndex: st.in.TurnIndex,
		Seq:       st.seq,
	}
	select {
	case st.out <- ev:
		st.seq++
	default:
	}
}

func (r *Runner) emitFinal(ctx context.Context, st *turnState, reason models.CompletionReason) {
	ev := models.StreamEvent{
		Kind:  models.EventFinal,
		Final: st.finalEvent(r.prices, reason),
	}
	r.send(ctx, st, ev)
}

// flushCancelled delivers final(cancelled) within the flush budget.
func (r *Runner) flushCancelled(st *turnState) {
	ev := models.StreamEvent{
		Kind:      models.EventFinal,
		ConvID:    st.in.ConvID,
		TurnIndex: st.in.TurnIndex,
		Seq:       st.seq,
		Final:     st.finalEvent(r.prices, models.CompletionCancelled),
	}
	select {
	case st.out <- ev:
		st.seq++
	case <-time.After(cancelFlushBudget):
		slog.Warn("Dropped cancelled-turn final event, consumer gone",
			"conv_id", st.in.ConvID, "turn_index", st.in.TurnIndex)
	}
}

func (r *Runner) emitError(st *turnState, err error) {
	ev := models.StreamEvent{
		Kind:      models.EventError,
		ConvID:    st.in.ConvID,
		TurnIndex: st.in.TurnIndex,
		Seq:       st.seq,
		Error: &models.ErrorEvent{
			Kind:      models.KindOf(err),
			Retryable: models.IsRetryable(err),
			Details:   err.Error(),
		},
	}
	select {
	case st.out <- ev:
		st.seq++
	case <-time.After(cancelFlushBudget):
		slog.Warn("Dropped turn error event, consumer gone",
			"conv_id", st.in.ConvID, "turn_index", st.in.TurnIndex)
	}
}

// finalEvent prices the turn with the token counts observed so far.
func (st *turnState) finalEvent(prices *config.PriceTable, reason models.CompletionReason) *models.FinalEvent {
	prompt, completion := st.promptTokens(), st.completionTokens()
	return &models.FinalEvent{
		TotalTokens:      st.totalTokens(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CompletionReason: reason,
		CostEstimateUSD:  prices.Cost(st.in.Instance.Model, prompt, completion),
	}
}

// promptTokens prefers reported usage, estimating from the request
// otherwise.
func (st *turnState) promptTokens() int {
	if st.usage != nil {
		return st.usage.PromptTokens
	}
	chars := 0
	for _, m := range st.in.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}

func (st *turnState) completionTokens() int {
	if st.usage != nil {
		return st.usage.CompletionTokens
	}
	return st.charCount / 4
}

func (st *turnState) totalTokens() int {
	if st.usage != nil {
		return st.usage.TotalTokens
	}
	return st.promptTokens() + st.completionTokens()
}

func reasonFromFinish(finish string) models.CompletionReason {
	switch finish {
	case "length":
		return models.CompletionLength
	case "tool_calls", "function_call":
		return models.CompletionTool
	case "", "stop":
		return models.CompletionStop
	default:
		return models.CompletionStop
	}
}
