package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/upstream"
)

// ErrNilCompleter is returned by New when no upstream is supplied.
var ErrNilCompleter = errors.New("relay: completer must not be nil")

// Completer submits a completion request and returns the provider's JSON body.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) ([]byte, error)
}

// ChatRequest is the inbound chat turn. History entries are kept as raw JSON and are
// not validated.
type ChatRequest struct {
	Message string
	History []json.RawMessage
}

// UnmarshalJSON accepts a missing or null message and history, and rejects values of
// the wrong JSON type.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message json.RawMessage `json:"message"`
		History json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	var out ChatRequest
	if !isNull(raw.Message) {
		if err := json.Unmarshal(raw.Message, &out.Message); err != nil {
			return errors.New("decode chat request: message must be a string")
		}
	}
	if !isNull(raw.History) {
		if err := json.Unmarshal(raw.History, &out.History); err != nil {
			return errors.New("decode chat request: history must be an array")
		}
	}

	*r = out
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Result is a successful relay outcome.
type Result struct {
	Reply string
	Raw   json.RawMessage
}

// Relay turns one chat request into one upstream completion call.
type Relay struct {
	completer   Completer
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// New creates a relay with generation settings fixed for the process lifetime.
func New(cfg config.UpstreamConfig, completer Completer) (*Relay, error) {
	if completer == nil {
		return nil, ErrNilCompleter
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	return &Relay{
		completer:   completer,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}, nil
}

// BuildMessages appends the new user turn to history without modifying it.
func BuildMessages(history []json.RawMessage, message string) ([]json.RawMessage, error) {
	turn, err := json.Marshal(models.Turn{Role: models.RoleUser, Content: message})
	if err != nil {
		return nil, fmt.Errorf("encode user turn: %w", err)
	}

	messages := make([]json.RawMessage, 0, len(history)+1)
	messages = append(messages, history...)
	return append(messages, turn), nil
}

// HandleChat relays one chat turn. Failures are always returned as *Error. The upstream
// call is detached from ctx cancellation and bounded only by the configured timeout.
func (r *Relay) HandleChat(ctx context.Context, req ChatRequest) (Result, error) {
	if req.Message == "" {
		return Result{}, newError(MissingMessage, nil)
	}

	messages, err := BuildMessages(req.History, req.Message)
	if err != nil {
		return Result{}, newError(ServerError, err)
	}

	payload := models.CompletionRequest{
		Model:       r.model,
		Messages:    messages,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	raw, err := r.completer.Complete(callCtx, payload)
	if err != nil {
		relayErr := classifyUpstreamError(err)
		slog.Error("upstream call failed",
			"category", relayErr.Category,
			"model", r.model,
			"history_len", len(req.History),
			"err", err,
		)
		return Result{}, relayErr
	}

	slog.Info("upstream response", "model", r.model, "raw", string(raw))

	reply, rule, ok := extractReply(raw)
	if !ok {
		return Result{}, &Error{Category: NoValidReply, Raw: json.RawMessage(raw)}
	}
	slog.Debug("reply extracted", "rule", rule, "reply_len", len(reply))

	return Result{Reply: reply, Raw: json.RawMessage(raw)}, nil
}

func classifyUpstreamError(err error) *Error {
	var statusErr *upstream.StatusError
	switch {
	case errors.As(err, &statusErr),
		errors.Is(err, upstream.ErrRequestFailed),
		errors.Is(err, upstream.ErrInvalidJSON),
		errors.Is(err, context.DeadlineExceeded):
		return newError(UpstreamFailure, err)
	default:
		return newError(ServerError, err)
	}
}
