package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Category classifies a failed chat turn for the client.
type Category string

const (
	MissingMessage  Category = "missing_message"
	UpstreamFailure Category = "upstream_failure"
	NoValidReply    Category = "no_valid_reply"
	ServerError     Category = "server_error"
)

// Message is the human readable text placed in the error envelope.
func (c Category) Message() string {
	switch c {
	case MissingMessage:
		return "No message provided"
	case UpstreamFailure:
		return "Upstream request failed"
	case NoValidReply:
		return "No valid reply from model"
	default:
		return "Server error"
	}
}

// HTTPStatus separates client faults (400) from everything else (500).
func (c Category) HTTPStatus() int {
	if c == MissingMessage {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error is the failure half of a relay result. Raw is only set for NoValidReply;
// Details only for UpstreamFailure and ServerError.
type Error struct {
	Category Category
	Details  string
	Raw      json.RawMessage
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("relay: %s", e.Category)
	}
	return fmt.Sprintf("relay: %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(category Category, err error) *Error {
	relayErr := &Error{Category: category, Err: err}
	if err != nil {
		relayErr.Details = err.Error()
	}
	return relayErr
}
