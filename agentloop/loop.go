package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/martinemde/agentd/eventbus"
	"github.com/martinemde/agentd/gateway"
	"github.com/martinemde/agentd/store"
)

// ErrSessionBusy is returned when a turn is submitted to a session that
// already has an active loop.
var ErrSessionBusy = errors.New("session already has an active turn")

// Config carries per-loop settings.
type Config struct {
	Model        string
	Provider     string
	SystemPrompt string

	// MaxIterations optionally caps model round-trips per turn. Zero
	// means unbounded; benign long tool chains are allowed and the
	// doom-loop detector handles pathological repetition.
	MaxIterations int

	DoomLoopThreshold int
	Truncation        TruncationConfig
}

func (c Config) withDefaults() Config {
	if c.DoomLoopThreshold < 1 {
		c.DoomLoopThreshold = DefaultDoomLoopThreshold
	}
	if c.Truncation.MaxChars == 0 && c.Truncation.MaxLines == 0 {
		c.Truncation = DefaultTruncationConfig()
	}
	return c
}

// Result summarizes a completed turn.
type Result struct {
	FinalText  string
	Iterations int
	Usage      gateway.Usage
}

// Loop drives the agent conversation cycle for durable sessions:
// persist the user prompt, call the model, execute requested tools,
// feed results back, and repeat until the model stops requesting
// tools. Every record is written to the store before the matching
// event is published.
type Loop struct {
	gateway  *gateway.Client
	store    *store.Store
	bus      *eventbus.Bus
	registry *ToolRegistry
	env      ExecutionEnvironment
	config   Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// New creates a Loop. A nil logger falls back to slog.Default.
func New(gw *gateway.Client, st *store.Store, bus *eventbus.Bus, registry *ToolRegistry, env ExecutionEnvironment, config Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		gateway:  gw,
		store:    st,
		bus:      bus,
		registry: registry,
		env:      env,
		config:   config.withDefaults(),
		logger:   logger,
		active:   make(map[string]bool),
	}
}

// Active reports whether a turn is currently running for the session.
func (l *Loop) Active(sessionUID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[sessionUID]
}

func (l *Loop) acquire(sessionUID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[sessionUID] {
		return false
	}
	l.active[sessionUID] = true
	return true
}

func (l *Loop) release(sessionUID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, sessionUID)
}

// Run executes one full turn for the session: persists the user
// prompt, then iterates model calls and tool executions until the
// model finishes without tool calls, an iteration or error limit is
// hit, or the context is cancelled. At most one turn runs per session
// at a time; concurrent submissions get ErrSessionBusy.
func (l *Loop) Run(ctx context.Context, sessionUID, prompt string) (*Result, error) {
	if !l.acquire(sessionUID) {
		return nil, ErrSessionBusy
	}
	defer l.release(sessionUID)

	logger := l.logger.With(slog.String("session", sessionUID))

	userMsg := &store.Message{
		UID:   shortuuid.New(),
		Role:  store.RoleUser,
		Parts: []store.Part{store.TextPart(shortuuid.New(), prompt)},
	}
	if err := l.store.AppendMessage(ctx, sessionUID, userMsg); err != nil {
		return nil, &PersistenceError{Op: "append user message", Cause: err}
	}
	l.maybeTitle(ctx, sessionUID, prompt)

	l.publish(eventbus.TopicStreamStart, sessionUID, userMsg.UID, map[string]interface{}{
		"prompt": prompt,
	})

	detector := NewDoomLoopDetector(l.config.DoomLoopThreshold)
	var usage gateway.Usage

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, l.abortCancelled(sessionUID, logger)
		}
		if max := l.config.MaxIterations; max > 0 && iteration > max {
			err := fmt.Errorf("turn exceeded %d iterations", max)
			logger.Warn("iteration cap reached", slog.Int("max", max))
			l.publish(eventbus.TopicStreamError, sessionUID, "", map[string]interface{}{
				"error": err.Error(),
			})
			return nil, err
		}

		history, err := l.buildRequestHistory(ctx, sessionUID)
		if err != nil {
			return nil, l.abortPersistence(sessionUID, logger, "load history", err)
		}

		assistantUID := shortuuid.New()
		resp, err := l.streamModelCall(ctx, sessionUID, assistantUID, history)
		if err != nil {
			if ctx.Err() != nil {
				return nil, l.abortCancelled(sessionUID, logger)
			}
			logger.Error("model call failed", slog.Any("error", err))
			l.publish(eventbus.TopicStreamError, sessionUID, assistantUID, map[string]interface{}{
				"error":     err.Error(),
				"retryable": gateway.IsRetryable(err),
			})
			return nil, err
		}
		usage = usage.Add(resp.Usage)

		toolCalls := resp.ToolCalls()
		assistantMsg := l.assistantRecord(assistantUID, resp)
		if err := l.store.AppendMessage(ctx, sessionUID, assistantMsg); err != nil {
			return nil, l.abortPersistence(sessionUID, logger, "append assistant message", err)
		}

		if len(toolCalls) == 0 {
			final := resp.Text()
			l.publish(eventbus.TopicStreamCompleted, sessionUID, assistantUID, map[string]interface{}{
				"text":       final,
				"iterations": iteration,
				"usage":      usage,
			})
			logger.Info("turn completed",
				slog.Int("iterations", iteration),
				slog.Int("total_tokens", usage.TotalTokens))
			return &Result{FinalText: final, Iterations: iteration, Usage: usage}, nil
		}

		if err := l.executeToolCalls(ctx, sessionUID, assistantUID, toolCalls, detector, logger); err != nil {
			if ctx.Err() != nil {
				return nil, l.abortCancelled(sessionUID, logger)
			}
			return nil, err
		}
	}
}

// buildRequestHistory loads the session transcript and prepends the
// system prompt.
func (l *Loop) buildRequestHistory(ctx context.Context, sessionUID string) ([]gateway.Message, error) {
	stored, err := l.store.GetMessages(ctx, sessionUID)
	if err != nil {
		return nil, err
	}
	history := BuildHistory(stored)
	if l.config.SystemPrompt != "" {
		history = append([]gateway.Message{gateway.SystemMessage(l.config.SystemPrompt)}, history...)
	}
	return history, nil
}

// streamModelCall issues one streaming model request, publishing text
// and reasoning deltas as they arrive, and returns the assembled
// response.
func (l *Loop) streamModelCall(ctx context.Context, sessionUID, assistantUID string, history []gateway.Message) (*gateway.Response, error) {
	req := gateway.Request{
		Model:    l.config.Model,
		Provider: l.config.Provider,
		Messages: history,
		ToolDefs: gatewayToolDefs(l.registry.Definitions()),
	}

	chunks, err := l.gateway.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		toolCalls []gateway.ToolCall
		finish    gateway.FinishReason
		usage     gateway.Usage
	)

	for chunk := range chunks {
		switch chunk.Type {
		case gateway.ChunkTextDelta:
			text.WriteString(chunk.Delta)
			l.publish(eventbus.TopicStreamText, sessionUID, assistantUID, map[string]interface{}{
				"delta": chunk.Delta,
			})
		case gateway.ChunkReasoningDelta:
			reasoning.WriteString(chunk.ReasoningDelta)
			l.publish(eventbus.TopicStreamReasoning, sessionUID, assistantUID, map[string]interface{}{
				"delta": chunk.ReasoningDelta,
			})
		case gateway.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case gateway.ChunkFinish:
			if chunk.FinishReason != nil {
				finish = *chunk.FinishReason
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		case gateway.ChunkError:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			return nil, errors.New("stream terminated with an unspecified error")
		}
	}

	content := make([]gateway.ContentPart, 0, len(toolCalls)+2)
	if reasoning.Len() > 0 {
		content = append(content, gateway.ReasoningPart(reasoning.String()))
	}
	if text.Len() > 0 {
		content = append(content, gateway.TextPart(text.String()))
	}
	for _, call := range toolCalls {
		content = append(content, gateway.ToolCallPart(call.ID, call.Name, call.Arguments))
	}

	return &gateway.Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        l.config.Model,
		Provider:     l.config.Provider,
		Message:      gateway.Message{Role: gateway.RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// assistantRecord converts a model response into the stored assistant
// message. Tool-call parts start pending and are marked completed or
// failed after execution.
func (l *Loop) assistantRecord(assistantUID string, resp *gateway.Response) *store.Message {
	msg := &store.Message{UID: assistantUID, Role: store.RoleAssistant}
	for _, part := range resp.Message.Content {
		switch part.Kind {
		case gateway.ContentReasoning:
			msg.Parts = append(msg.Parts, store.ReasoningPart(shortuuid.New(), part.Text))
		case gateway.ContentText:
			msg.Parts = append(msg.Parts, store.TextPart(shortuuid.New(), part.Text))
		case gateway.ContentToolCall:
			msg.Parts = append(msg.Parts, store.ToolCallPart(
				shortuuid.New(), part.ToolCall.Name, part.ToolCall.ID, part.ToolCall.Arguments))
		}
	}
	return msg
}

// executeToolCalls runs each requested tool in order, persisting and
// publishing call and result records. Tool failures and doom-loop
// rejections become failed results the model sees on the next
// iteration; only persistence failures abort the turn.
func (l *Loop) executeToolCalls(ctx context.Context, sessionUID, assistantUID string, calls []gateway.ToolCall, detector *DoomLoopDetector, logger *slog.Logger) error {
	resultMsg := &store.Message{UID: shortuuid.New(), Role: store.RoleTool}
	if err := l.store.AppendMessage(ctx, sessionUID, resultMsg); err != nil {
		return l.abortPersistence(sessionUID, logger, "append tool result message", err)
	}

	assistantParts, err := l.toolCallPartUIDs(ctx, sessionUID, assistantUID)
	if err != nil {
		return l.abortPersistence(sessionUID, logger, "resolve tool call parts", err)
	}

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}

		partUID := assistantParts[call.ID]

		l.publish(eventbus.TopicToolCall, sessionUID, assistantUID, map[string]interface{}{
			"callId":    call.ID,
			"tool":      call.Name,
			"arguments": call.Arguments,
		})

		var (
			output    string
			ok        bool
			rejection *DoomLoopRejection
		)

		if flagged := detector.Observe(call.Name, call.Arguments); flagged {
			rejection = &DoomLoopRejection{ToolName: call.Name, Streak: detector.Streak()}
			output = rejection.CorrectiveMessage()
			logger.Warn("repetitive tool call rejected",
				slog.String("tool", call.Name),
				slog.Int("streak", detector.Streak()))
		} else {
			output, ok = l.runTool(ctx, sessionUID, assistantUID, call, logger)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		persisted, truncated := TruncateOutput(output, l.config.Truncation)

		resultPart := store.ToolResultPart(shortuuid.New(), call.ID, resultContent(persisted), ok)
		if err := l.store.AppendPart(ctx, sessionUID, resultMsg.UID, &resultPart); err != nil {
			return l.abortPersistence(sessionUID, logger, "append tool result", err)
		}

		state := store.ToolCallCompleted
		if !ok {
			state = store.ToolCallFailed
		}
		if partUID != "" {
			if err := l.store.UpdatePart(ctx, &store.UpdatePart{
				SessionUID: sessionUID,
				MessageUID: assistantUID,
				PartUID:    partUID,
				State:      state,
			}); err != nil {
				return l.abortPersistence(sessionUID, logger, "update tool call state", err)
			}
		}

		payload := map[string]interface{}{
			"callId":    call.ID,
			"tool":      call.Name,
			"ok":        ok,
			"output":    output,
			"truncated": truncated,
		}
		if rejection != nil {
			payload["rejected"] = true
			payload["streak"] = rejection.Streak
		}
		l.publish(eventbus.TopicToolResult, sessionUID, resultMsg.UID, payload)
	}

	return nil
}

// runTool executes a single tool call and reports (output, ok). Errors
// are rendered into the output so the model can react to them.
func (l *Loop) runTool(ctx context.Context, sessionUID, messageUID string, call gateway.ToolCall, logger *slog.Logger) (string, bool) {
	tool := l.registry.Get(call.Name)
	if tool == nil {
		return "Error: unknown tool: " + call.Name, false
	}

	start := time.Now()
	output, err := tool.Executor(ctx, call.Arguments, ToolContext{
		SessionUID: sessionUID,
		MessageUID: messageUID,
		CallID:     call.ID,
		Env:        l.env,
	})
	if err != nil {
		execErr := &ToolExecutionError{ToolName: call.Name, CallID: call.ID, Cause: err}
		logger.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err))
		return "Error: " + execErr.Cause.Error(), false
	}

	logger.Debug("tool executed",
		slog.String("tool", call.Name),
		slog.Duration("elapsed", time.Since(start)))
	return output, true
}

// toolCallPartUIDs maps call IDs to the stored part UIDs of the
// assistant message's tool-call parts.
func (l *Loop) toolCallPartUIDs(ctx context.Context, sessionUID, assistantUID string) (map[string]string, error) {
	messages, err := l.store.GetMessages(ctx, sessionUID)
	if err != nil {
		return nil, err
	}
	uids := make(map[string]string)
	for _, msg := range messages {
		if msg.UID != assistantUID {
			continue
		}
		for _, part := range msg.Parts {
			if part.Type == store.PartToolCall {
				uids[part.CallID] = part.UID
			}
		}
	}
	return uids, nil
}

// abortCancelled records a cancellation marker in the session before
// surfacing the cancellation events.
func (l *Loop) abortCancelled(sessionUID string, logger *slog.Logger) error {
	// The turn context is gone; use a short independent deadline for
	// the marker write.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	marker := &store.Message{
		UID:   shortuuid.New(),
		Role:  store.RoleSystem,
		Parts: []store.Part{store.TextPart(shortuuid.New(), "Turn cancelled before completion.")},
	}
	if err := l.store.AppendMessage(ctx, sessionUID, marker); err != nil {
		logger.Error("failed to record cancellation marker", slog.Any("error", err))
	}
	l.publish(eventbus.TopicStreamError, sessionUID, marker.UID, map[string]interface{}{
		"error":     "turn cancelled",
		"cancelled": true,
	})
	logger.Info("turn cancelled")
	return context.Canceled
}

// abortPersistence wraps a store failure. No further records are
// written; the error event is best-effort.
func (l *Loop) abortPersistence(sessionUID string, logger *slog.Logger, op string, cause error) error {
	err := &PersistenceError{Op: op, Cause: cause}
	logger.Error("persistence failure, aborting turn",
		slog.String("op", op),
		slog.Any("error", cause))
	l.publish(eventbus.TopicStreamError, sessionUID, "", map[string]interface{}{
		"error": err.Error(),
	})
	return err
}

// maybeTitle sets the session title from the first prompt when the
// session still carries the default title.
func (l *Loop) maybeTitle(ctx context.Context, sessionUID, prompt string) {
	session, err := l.store.GetSession(ctx, sessionUID)
	if err != nil || session.Title != store.DefaultSessionTitle {
		return
	}
	title := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		return
	}
	if _, err := l.store.UpdateSession(ctx, &store.UpdateSession{UID: sessionUID, Title: &title}); err != nil {
		l.logger.Debug("session title update failed", slog.Any("error", err))
	}
}

func gatewayToolDefs(defs []ToolDefinition) []gateway.ToolDefinition {
	out := make([]gateway.ToolDefinition, len(defs))
	for i, def := range defs {
		out[i] = gateway.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
	}
	return out
}

func (l *Loop) publish(topic eventbus.Topic, sessionUID, messageUID string, payload map[string]interface{}) {
	l.bus.Publish(eventbus.Event{
		Topic:      topic,
		SessionUID: sessionUID,
		MessageUID: messageUID,
		Timestamp:  time.Now(),
		Payload:    payload,
	})
}
