package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/breaker"
	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/llm"
	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/rag"
	"github.com/convergio/convergio/pkg/registry"
	"github.com/convergio/convergio/pkg/runner"
	"github.com/convergio/convergio/pkg/safety"
	"github.com/convergio/convergio/pkg/selector"
	"github.com/convergio/convergio/pkg/store"
)

// session is the mutable state of one orchestration run.
type session struct {
	req       Request
	conv      *models.Conversation
	out       chan<- models.StreamEvent
	callerCtx context.Context
	runCtx    context.Context

	limit       decimal.Decimal
	maxTurns    int
	turnTimeout time.Duration
	singleAgent bool
	ragInLoop   bool
	lastUser    string

	// persist gates conversation saves: false until this run owns the
	// conversation id.
	persist      bool
	consumerGone bool
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- models.StreamEvent) {
	defer close(out)

	convID := req.ConvID
	if convID == "" {
		convID = newConvID()
	}
	s := &session{
		req:       req,
		out:       out,
		callerCtx: ctx,
		runCtx:    ctx,
		conv: &models.Conversation{
			ID:        convID,
			UserID:    req.UserID,
			Status:    models.ConversationRunning,
			StartedAt: time.Now(),
		},
	}

	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		o.abort(ctx, s, models.NewError(models.ErrValidation, "user_id and message are required"))
		return
	}
	if !o.claim(convID) {
		o.abort(ctx, s, models.NewError(models.ErrValidation, "conversation is already being orchestrated"))
		return
	}
	defer o.release(convID)
	s.persist = true

	deadline := req.Options.Timeout
	if deadline <= 0 {
		deadline = o.policy().OverallDeadline.Std(defaultOverallDeadline)
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	s.runCtx = runCtx

	// ADMIT: global budget and anomaly gates before any work.
	if err := o.deps.Breaker.Admit(breaker.AdmitRequest{UserID: req.UserID}); err != nil {
		o.abort(runCtx, s, err)
		return
	}

	if !o.prepare(runCtx, s) {
		return
	}

	// VALIDATE_INPUT on the opening message, including the HITL gate.
	message, ok := o.validateInbound(runCtx, s)
	if !ok {
		return
	}
	s.lastUser = message
	s.conv.Append(models.Message{
		Role:      models.RoleUser,
		Content:   message,
		CreatedAt: time.Now(),
		TurnIndex: s.conv.TurnCount,
	})
	o.save(runCtx, s)

	orchID := o.orchestratorAgentID()
	if orchID == "" {
		o.abort(runCtx, s, models.NewError(models.ErrUnknownAgent, "no agents registered"))
		return
	}
	route := o.deps.Selector.Route(message, orchID)
	limits := o.policy().Limits(route.Class)
	s.maxTurns = req.Options.MaxTurns
	if s.maxTurns <= 0 {
		s.maxTurns = limits.MaxTurns
	}
	s.turnTimeout = limits.Timeout.Std(60 * time.Second)
	s.singleAgent = route.SingleAgent
	s.ragInLoop = o.policy().RAGInLoop
	if req.Options.RAGInLoop != nil {
		s.ragInLoop = *req.Options.RAGInLoop
	}

	o.loop(runCtx, s, route.SpeakerID)
}

// loop is SELECT → RETRIEVE → RUN_TURN → RECORD → DECIDE_CONT until a
// stop rule fires.
func (o *Orchestrator) loop(ctx context.Context, s *session, speakerID string) {
	candidates := o.deps.Registry.List(registry.Filter{Status: registry.StatusActive})

	for {
		if ctx.Err() != nil {
			o.finish(ctx, s, o.cancelStatus(s), "orchestration interrupted")
			return
		}

		inst, err := o.deps.Registry.Get(speakerID)
		if err != nil {
			o.abort(ctx, s, models.WrapError(models.ErrUnknownAgent, "selected speaker not in registry", err))
			return
		}

		// Per-turn admission covers the provider and agent scopes.
		if err := o.deps.Breaker.Admit(breaker.AdmitRequest{
			Provider:      inst.Provider,
			AgentID:       inst.Def.ID,
			UserID:        s.req.UserID,
			EstimatedCost: estimateCost(inst.Def),
		}); err != nil {
			o.abort(ctx, s, err)
			return
		}

		if done := o.runTurn(ctx, s, inst); done {
			return
		}

		// DECIDE_CONT.
		if o.deps.Tracker.Breached(s.conv.ID) {
			o.finish(ctx, s, models.ConversationBudgetExceeded, "conversation budget exhausted")
			return
		}
		remaining := s.limit.Sub(o.deps.Tracker.Summarize(s.conv.ID).TotalCostUSD)
		decision := o.deps.Selector.Next(selector.NextRequest{
			Conversation:    s.conv,
			Candidates:      candidates,
			RemainingBudget: remaining,
			MaxTurns:        s.maxTurns,
			SingleAgent:     s.singleAgent,
		})
		if decision.Terminate {
			o.finish(ctx, s, models.ConversationDone, lastAgentText(s.conv))
			return
		}
		speakerID = decision.SpeakerID
	}
}

// runTurn drives one RUN_TURN → POST_VALIDATE → RECORD pass. Returns
// true when the conversation terminated inside the turn.
func (o *Orchestrator) runTurn(ctx context.Context, s *session, inst *registry.AgentInstance) bool {
	turnIdx := s.conv.TurnCount
	o.emit(s, models.StreamEvent{
		Kind:      models.EventTurnStarted,
		TurnIndex: turnIdx,
		TurnMeta:  &models.TurnMetaEvent{SpeakerID: inst.Def.ID},
	})

	messages := o.composeMessages(ctx, s, inst)

	retries := o.policy().ProviderRetries
	if retries <= 0 {
		retries = 2
	}
	backoff := o.policy().RetryBackoff.Std(defaultRetryBackoff)
	started := time.Now()

	var res relayResult
	for attempt := 0; ; attempt++ {
		turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout)
		evs := o.deps.Runner.Run(turnCtx, runner.TurnInput{
			Instance:  inst,
			ConvID:    s.conv.ID,
			TurnIndex: turnIdx,
			Messages:  messages,
			Tools:     toolDefs(inst.Def),
			ToolExec:  o.deps.Tools,
		})
		res = o.relayTurn(ctx, s, evs, attempt < retries)
		cancel()

		if !res.retry {
			break
		}
		slog.Warn("Transient provider failure, retrying turn",
			"conv_id", s.conv.ID, "turn_index", turnIdx, "attempt", attempt+1)
		select {
		case <-time.After(backoff << attempt):
		case <-ctx.Done():
			o.finish(ctx, s, o.cancelStatus(s), "interrupted during retry back-off")
			return true
		}
	}

	if res.errEvent != nil {
		// Retries exhausted: record an error turn with no cost.
		rec := models.TurnRecord{
			ConvID:     s.conv.ID,
			TurnIndex:  turnIdx,
			SpeakerID:  inst.Def.ID,
			Model:      inst.Model,
			CostUSD:    decimal.Zero,
			DurationMS: time.Since(started).Milliseconds(),
			RecordedAt: time.Now(),
		}
		if err := o.deps.Store.AppendTurnRecord(ctx, rec); err != nil {
			slog.Error("Failed to persist error turn record", "conv_id", s.conv.ID, "error", err)
		}
		o.finish(ctx, s, statusForKind(res.errEvent.Kind), res.errEvent.Details)
		return true
	}

	if res.final == nil {
		o.abort(ctx, s, models.NewError(models.ErrInternal, "turn ended without a terminal event"))
		return true
	}
	final := res.final
	text := res.text

	// POST_VALIDATE the turn text before it enters the conversation.
	verdict := o.deps.Guardian.ValidateOutput(text)
	if verdict.Action == safety.ActionBlock {
		o.record(ctx, s, inst, turnIdx, final, time.Since(started))
		o.finish(ctx, s, models.ConversationSafetyBlocked, lastAgentText(s.conv))
		return true
	}
	text = verdict.Sanitized

	s.conv.Append(models.Message{
		Role:       models.RoleAgent,
		SpeakerID:  inst.Def.ID,
		Content:    text,
		TokenUsage: &models.TokenUsage{PromptTokens: final.PromptTokens, CompletionTokens: final.CompletionTokens, TotalTokens: final.TotalTokens},
		CreatedAt:  time.Now(),
		TurnIndex:  turnIdx,
	})
	s.conv.TurnCount++

	rec := o.record(ctx, s, inst, turnIdx, final, time.Since(started))
	o.save(ctx, s)

	o.emit(s, models.StreamEvent{
		Kind:      models.EventTurnEnded,
		TurnIndex: turnIdx,
		TurnMeta: &models.TurnMetaEvent{
			SpeakerID:        inst.Def.ID,
			CompletionReason: final.CompletionReason,
			Tokens:           final.TotalTokens,
			CostUSD:          rec.CostUSD,
		},
	})

	if final.CompletionReason == models.CompletionCancelled {
		o.finish(ctx, s, o.cancelStatus(s), lastAgentText(s.conv))
		return true
	}
	return false
}

// relayResult is the digest of one runner stream.
type relayResult struct {
	final    *models.FinalEvent
	errEvent *models.ErrorEvent
	retry    bool
	text     string
}

// relayTurn forwards runner events verbatim, accumulating the turn
// text. A retryable terminal error is swallowed when another attempt
// is allowed.
func (o *Orchestrator) relayTurn(ctx context.Context, s *session, evs <-chan models.StreamEvent, mayRetry bool) relayResult {
	var res relayResult
	var text strings.Builder
	for ev := range evs {
		switch ev.Kind {
		case models.EventDelta:
			text.WriteString(ev.Delta.Content)
		case models.EventFinal:
			res.final = ev.Final
		case models.EventError:
			if mayRetry && ev.Error.Retryable && ctx.Err() == nil {
				res.retry = true
				continue
			}
			res.errEvent = ev.Error
		}
		o.emit(s, ev)
	}
	res.text = text.String()
	return res
}

// prepare loads or creates the conversation and binds its budget.
func (o *Orchestrator) prepare(ctx context.Context, s *session) bool {
	existing, err := o.deps.Store.GetConversation(ctx, s.conv.ID)
	switch {
	case err == nil:
		if existing.Status.Terminal() {
			// Do not clobber the stored terminal conversation.
			s.persist = false
			o.abort(ctx, s, models.NewError(models.ErrValidation, "conversation already ended"))
			return false
		}
		s.conv = existing
	case errors.Is(err, store.ErrNotFound):
		// New conversation, keep the seed.
	default:
		o.abort(ctx, s, models.WrapError(models.ErrInternal, "load conversation", err))
		return false
	}

	limit := decimal.Zero
	if o.deps.Config.Budgets != nil {
		limit = o.deps.Config.Budgets.Limits().PerConversationUSD
	}
	if s.req.Options.BudgetLimitUSD != nil {
		limit = *s.req.Options.BudgetLimitUSD
	}
	if !limit.IsPositive() {
		o.abort(ctx, s, models.NewError(models.ErrBudgetExceeded, "conversation budget must be positive"))
		return false
	}
	s.limit = limit
	s.conv.BudgetLimitUSD = limit
	o.deps.Tracker.SetBudget(s.conv.ID, limit)
	return true
}

// validateInbound runs the guardian over the user message and, when
// escalated, awaits the human decision. Returns the text to use and
// whether the run may proceed.
func (o *Orchestrator) validateInbound(ctx context.Context, s *session) (string, bool) {
	verdict := o.deps.Guardian.ValidatePrompt(s.req.Message)
	switch verdict.Action {
	case safety.ActionBlock:
		o.abort(ctx, s, models.NewError(models.ErrSafetyBlocked, verdict.Reason))
		return "", false

	case safety.ActionRequireApproval:
		if s.req.Options.HITLEnabled != nil && !*s.req.Options.HITLEnabled {
			o.abort(ctx, s, models.NewError(models.ErrSafetyBlocked,
				"action requires approval but approvals are disabled for this request"))
			return "", false
		}
		if !o.awaitApproval(ctx, s, verdict) {
			return "", false
		}
	}
	return verdict.Redacted, true
}

// awaitApproval suspends the run until the request is decided or
// expires. Expiry counts as a rejection.
func (o *Orchestrator) awaitApproval(ctx context.Context, s *session, verdict safety.PromptVerdict) bool {
	id, err := o.deps.Approvals.Create(ctx, &models.ApprovalRequest{
		ConvID:     s.conv.ID,
		TurnIndex:  s.conv.TurnCount,
		ActionType: verdict.ActionType,
		Payload:    verdict.Redacted,
		Risk:       verdict.Risk,
	})
	if err != nil {
		o.abort(ctx, s, models.WrapError(models.ErrInternal, "create approval request", err))
		return false
	}
	timeout := o.deps.Config.Safety.ApprovalTimeout.Std(30 * time.Second)
	slog.Info("Awaiting human approval", "conv_id", s.conv.ID, "approval_id", id,
		"action_type", verdict.ActionType, "risk", string(verdict.Risk))

	type awaited struct {
		status models.ApprovalStatus
		err    error
	}
	done := make(chan awaited, 1)
	go func() {
		st, aerr := o.deps.Approvals.Await(ctx, id, timeout)
		done <- awaited{st, aerr}
	}()

	// The stream stays alive while the run is suspended: heartbeats on
	// the same cadence the runner uses between deltas.
	ticker := time.NewTicker(o.deps.Config.Policy.HeartbeatInterval.Std(5 * time.Second))
	defer ticker.Stop()

	var status models.ApprovalStatus
wait:
	for {
		select {
		case res := <-done:
			status, err = res.status, res.err
			break wait
		case <-ticker.C:
			o.emitHeartbeat(s)
		}
	}
	if err != nil && ctx.Err() != nil {
		o.finish(ctx, s, o.cancelStatus(s), "interrupted awaiting approval")
		return false
	}
	if status != models.ApprovalApproved {
		o.abort(ctx, s, models.NewError(models.ErrSafetyBlocked, "approval "+string(status)))
		return false
	}
	return true
}

// composeMessages builds the turn input: the optional knowledge block
// followed by the conversation history. Retrieval failures degrade to
// no injection.
func (o *Orchestrator) composeMessages(ctx context.Context, s *session, inst *registry.AgentInstance) []models.Message {
	msgs := make([]models.Message, 0, len(s.conv.Messages)+1)
	if s.ragInLoop {
		bundle, err := o.deps.Injector.Inject(ctx, rag.InjectRequest{
			ConvID:           s.conv.ID,
			SpeakerID:        inst.Def.ID,
			LastUserMessage:  s.lastUser,
			RecentTurns:      recentTexts(s.conv, 5),
			MaxContextTokens: inst.Def.MaxContextTokens,
		})
		if err != nil {
			slog.Warn("Context retrieval degraded, continuing without injection",
				"conv_id", s.conv.ID, "speaker", inst.Def.ID, "error", err)
		} else if len(bundle.Facts) > 0 {
			msgs = append(msgs, models.Message{
				Role:      models.RoleSystem,
				Content:   knowledgeBlock(bundle),
				TurnIndex: s.conv.TurnCount,
			})
		}
	}
	return append(msgs, s.conv.Messages...)
}

// record prices the turn into the tracker, the ledger, and the store.
func (o *Orchestrator) record(ctx context.Context, s *session, inst *registry.AgentInstance, turnIdx int, final *models.FinalEvent, dur time.Duration) models.TurnRecord {
	rec := o.deps.Tracker.RecordTurn(s.conv.ID, turnIdx, inst.Def.ID, inst.Model,
		final.PromptTokens, final.CompletionTokens, dur)
	o.deps.Ledger.Record(ctx, models.CostLedgerEntry{
		Provider:  inst.Provider,
		Model:     inst.Model,
		AgentID:   inst.Def.ID,
		ConvID:    s.conv.ID,
		UserID:    s.req.UserID,
		TokensIn:  final.PromptTokens,
		TokensOut: final.CompletionTokens,
		CostUSD:   rec.CostUSD,
	})
	if err := o.deps.Store.AppendTurnRecord(ctx, rec); err != nil {
		slog.Error("Failed to persist turn record", "conv_id", s.conv.ID, "error", err)
	}
	return rec
}

// abort closes the run with an error event and the status mapped from
// the error kind.
func (o *Orchestrator) abort(ctx context.Context, s *session, err error) {
	o.emit(s, models.StreamEvent{
		Kind:      models.EventError,
		TurnIndex: s.conv.TurnCount,
		Error: &models.ErrorEvent{
			Kind:      models.KindOf(err),
			Retryable: models.IsRetryable(err),
			Details:   err.Error(),
		},
	})
	o.finish(ctx, s, statusForKind(models.KindOf(err)), err.Error())
}

// finish marks the conversation terminal, persists it, and emits the
// closing orchestrator_final event.
func (o *Orchestrator) finish(ctx context.Context, s *session, status models.ConversationStatus, message string) {
	now := time.Now()
	s.conv.Status = status
	s.conv.EndedAt = &now
	o.save(ctx, s)

	sum := o.deps.Tracker.Summarize(s.conv.ID)
	agents := make([]string, 0, len(sum.ByAgent))
	for id := range sum.ByAgent {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	o.emit(s, models.StreamEvent{
		Kind:      models.EventOrchestratorFinal,
		TurnIndex: s.conv.TurnCount,
		FinalMeta: &models.OrchestratorEnd{
			Status:      status,
			TotalTokens: sum.TotalTokens,
			TotalCost:   sum.TotalCostUSD,
			AgentsUsed:  agents,
			Message:     message,
		},
	})
	slog.Info("Conversation finished",
		"conv_id", s.conv.ID, "status", string(status),
		"turns", s.conv.TurnCount, "total_cost_usd", sum.TotalCostUSD.String())
}

// save persists the conversation; failures are logged, never fatal.
// Terminal saves run on a detached context so cancellation does not
// lose the final state.
func (o *Orchestrator) save(ctx context.Context, s *session) {
	if !s.persist {
		return
	}
	if ctx.Err() != nil {
		detached, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = detached
	}
	if err := o.deps.Store.SaveConversation(ctx, s.conv); err != nil {
		slog.Error("Failed to persist conversation", "conv_id", s.conv.ID, "error", err)
	}
}

// emit stamps and delivers one event, mirroring it to the bus. After
// cancellation the send falls back to a bounded flush so an abandoned
// consumer cannot wedge the run.
// emitHeartbeat sends a keep-alive without back-pressure: a slow
// consumer loses heartbeats, never real events.
func (o *Orchestrator) emitHeartbeat(s *session) {
	ev := models.StreamEvent{
		Kind:      models.EventHeartbeat,
		ConvID:    s.conv.ID,
		TurnIndex: s.conv.TurnCount,
	}
	if o.deps.Bus != nil {
		o.deps.Bus.PublishStream(ev)
	}
	if s.consumerGone {
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}

func (o *Orchestrator) emit(s *session, ev models.StreamEvent) {
	ev.ConvID = s.conv.ID
	if o.deps.Bus != nil {
		o.deps.Bus.PublishStream(ev)
	}
	if s.consumerGone {
		return
	}
	select {
	case s.out <- ev:
	case <-s.runCtx.Done():
		select {
		case s.out <- ev:
		case <-time.After(finalFlushBudget):
			s.consumerGone = true
			slog.Warn("Stream consumer gone, dropping remaining events", "conv_id", s.conv.ID)
		}
	}
}

// cancelStatus distinguishes caller cancellation from deadline expiry.
func (o *Orchestrator) cancelStatus(s *session) models.ConversationStatus {
	if errors.Is(s.callerCtx.Err(), context.Canceled) {
		return models.ConversationCancelled
	}
	return models.ConversationTimeout
}

func (o *Orchestrator) policy() *config.PolicyConfig { return o.deps.Config.Policy }

func statusForKind(kind models.ErrorKind) models.ConversationStatus {
	switch kind {
	case models.ErrBudgetExceeded:
		return models.ConversationBudgetExceeded
	case models.ErrSafetyBlocked:
		return models.ConversationSafetyBlocked
	case models.ErrTimeout:
		return models.ConversationTimeout
	case models.ErrCancelled:
		return models.ConversationCancelled
	default:
		return models.ConversationError
	}
}

// lastAgentText returns the most recent agent message, the terminal
// "last safe message" on safety blocks.
func lastAgentText(conv *models.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == models.RoleAgent {
			return conv.Messages[i].Content
		}
	}
	return ""
}

func recentTexts(conv *models.Conversation, n int) []string {
	start := len(conv.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(conv.Messages)-start)
	for _, m := range conv.Messages[start:] {
		out = append(out, m.Content)
	}
	return out
}

func knowledgeBlock(b rag.Bundle) string {
	var sb strings.Builder
	sb.WriteString("Relevant knowledge:\n")
	for _, f := range b.Facts {
		fmt.Fprintf(&sb, "- %s (source: %s)\n", f.Text, f.SourceID)
	}
	if b.ConflictNote != "" {
		sb.WriteString(b.ConflictNote)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func toolDefs(def *registry.AgentDefinition) []llm.ToolDef {
	if len(def.Tools) == 0 {
		return nil
	}
	out := make([]llm.ToolDef, 0, len(def.Tools))
	for _, t := range def.Tools {
		out = append(out, llm.ToolDef{Name: t.Name, Description: t.Description})
	}
	return out
}

func estimateCost(def *registry.AgentDefinition) decimal.Decimal {
	if def.CostPerInteraction == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(def.CostPerInteraction)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}
