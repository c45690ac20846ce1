// Package dispatcher routes incoming COMMS API requests to Communication methods.
package dispatcher

import (
	"encoding/json"

	"github.com/morezero/peer-broker/pkg/model"
)

// Request is the JSON envelope for incoming COMMS API requests.
type Request struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for COMMS API responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// Error codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeNoEndpoint      = "NO_ENDPOINT"
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// SendParams are the params of "send".
type SendParams struct {
	Message model.Message `json:"message"`
}

// IDParams carry a single identifier ("removeRouting", "removeOutputAdapter",
// "removeInputAdapter").
type IDParams struct {
	ID model.Identifier `json:"id"`
}

// IDResult is returned by methods that create or address something by id.
type IDResult struct {
	ID model.Identifier `json:"id"`
}

// MessageInfoParams are the params of "messageInfo". An empty type lists everything.
type MessageInfoParams struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// AdapterInfoParams are the params of "adapterInfo": "name" or "name@range".
type AdapterInfoParams struct {
	Ref string `json:"ref"`
}
