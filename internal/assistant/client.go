// Package assistant drives the OpenAI Assistants thread lifecycle: create a
// thread per guest, append the coalesced turn, run, serve tool calls, and
// collect the reply.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/logging"
	"github.com/tealquilamos/rentbot/internal/registry"
)

// Reply is the outcome of one assistant run.
type Reply struct {
	Text        string
	TotalTokens int
}

// appendedCap bounds the turn-ID dedup set for turns that never completed.
const appendedCap = 256

// Client wraps the Assistants API for one configured assistant.
type Client struct {
	api          *openai.Client
	assistantID  string
	timeout      time.Duration
	pollInterval time.Duration
	registry     *registry.Registry
	logger       *logging.Logger

	mu sync.Mutex
	// appended remembers which turn IDs already reached their thread, so a
	// retried turn runs again without re-appending the guest's text.
	appended map[string]time.Time
}

// NewClient creates an assistant client backed by reg for tool calls.
func NewClient(cfg config.AssistantConfig, reg *registry.Registry, logger *logging.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		assistantID:  cfg.AssistantID,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		registry:     reg,
		logger:       logger.Sub("assistant"),
		appended:     make(map[string]time.Time),
	}
}

// EnsureThread returns threadID unchanged if set, otherwise creates a new
// conversation thread.
func (c *Client) EnsureThread(ctx context.Context, threadID string) (string, error) {
	if threadID != "" {
		return threadID, nil
	}
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("assistant: create thread: %w", err)
	}
	c.logger.Info().Str("thread", thread.ID).Msg("thread created")
	return thread.ID, nil
}

// AppendContext adds a system-of-record note to the thread without running
// the assistant. Used for guest context injection and manual agent turns.
func (c *Client) AppendContext(ctx context.Context, threadID, note string) error {
	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ChatMessageRoleUser),
		Content: note,
	})
	if err != nil {
		return fmt.Errorf("assistant: append context: %w", err)
	}
	return nil
}

// SendTurn appends the turn's text to the thread, runs the assistant, serves
// any tool calls through the registry, and returns the final reply. The whole
// cycle is bounded by the configured timeout. Retrying the same turnID after
// a failed run creates a fresh run without appending the text again.
func (c *Client) SendTurn(ctx context.Context, threadID, turnID, text string) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if turnID == "" || !c.alreadyAppended(turnID) {
		if _, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
			Role:    string(openai.ChatMessageRoleUser),
			Content: text,
		}); err != nil {
			return nil, fmt.Errorf("assistant: append message: %w", err)
		}
		c.markAppended(turnID)
	}

	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: c.assistantID})
	if err != nil {
		return nil, fmt.Errorf("assistant: create run: %w", err)
	}

	run, err = c.pollRun(ctx, threadID, run)
	if err != nil {
		return nil, err
	}

	reply, err := c.latestAssistantMessage(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c.clearAppended(turnID)
	return &Reply{Text: reply, TotalTokens: run.Usage.TotalTokens}, nil
}

func (c *Client) alreadyAppended(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.appended[turnID]
	return ok
}

func (c *Client) markAppended(turnID string) {
	if turnID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.appended) >= appendedCap {
		var oldestID string
		var oldestAt time.Time
		for id, at := range c.appended {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(c.appended, oldestID)
	}
	c.appended[turnID] = time.Now()
}

func (c *Client) clearAppended(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.appended, turnID)
}

func (c *Client) pollRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusRequiresAction:
			var err error
			run, err = c.serveToolCalls(ctx, threadID, run)
			if err != nil {
				return run, err
			}
			continue
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired, openai.RunStatusIncomplete:
			rerr := &RunError{Status: string(run.Status)}
			if run.LastError != nil {
				rerr.Code = string(run.LastError.Code)
				rerr.Message = run.LastError.Message
			}
			return run, rerr
		}

		select {
		case <-ctx.Done():
			return run, fmt.Errorf("assistant: run timed out in status %s: %w", run.Status, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		var err error
		run, err = c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("assistant: poll run: %w", err)
		}
	}
}

// serveToolCalls executes every requested tool through the registry and
// submits the outputs. A failing handler reports its error as the tool output
// so the run can still complete with a graceful answer.
func (c *Client) serveToolCalls(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return run, errors.New("assistant: requires_action without tool calls")
	}

	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]openai.ToolOutput, 0, len(calls))
	for _, call := range calls {
		c.logger.Info().Str("function", call.Function.Name).Str("run", run.ID).Msg("serving tool call")
		out, err := c.registry.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
		if err != nil {
			out = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		outputs = append(outputs, openai.ToolOutput{ToolCallID: call.ID, Output: out})
	}

	run, err := c.api.SubmitToolOutputs(ctx, threadID, run.ID, openai.SubmitToolOutputsRequest{
		ToolOutputs: outputs,
	})
	if err != nil {
		return run, fmt.Errorf("assistant: submit tool outputs: %w", err)
	}
	return run, nil
}

func (c *Client) latestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	limit := 1
	order := "desc"
	msgs, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("assistant: list messages: %w", err)
	}
	if len(msgs.Messages) == 0 {
		return "", errors.New("assistant: run completed with no reply")
	}
	for _, content := range msgs.Messages[0].Content {
		if content.Text != nil {
			return content.Text.Value, nil
		}
	}
	return "", errors.New("assistant: reply carries no text content")
}

// RunError is a terminal run status reported by the assistant API.
type RunError struct {
	Status  string
	Code    string
	Message string
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("assistant: run ended %s: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("assistant: run ended %s", e.Status)
}

// Fallback maps an assistant failure to a guest-facing message, or "" when
// the failure class has no graceful answer.
func Fallback(err error) string {
	var code string
	var apiErr *openai.APIError
	var runErr *RunError
	switch {
	case errors.As(err, &apiErr):
		code, _ = apiErr.Code.(string)
	case errors.As(err, &runErr):
		code = runErr.Code
	default:
		return ""
	}
	switch code {
	case "context_length_exceeded":
		return "Tu consulta es demasiado larga. Por favor, intenta con un mensaje más corto."
	case "rate_limit_exceeded":
		return "Estamos experimentando alta demanda. Por favor intenta en unos segundos."
	case "insufficient_quota":
		return "Temporalmente no disponible por límite de uso. Por favor intenta más tarde."
	}
	return ""
}
