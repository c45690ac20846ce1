package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/peer-broker/pkg/communication"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/manager"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/routing"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher routes COMMS requests to Communication methods.
type Dispatcher struct {
	comms *communication.Communication
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(c *communication.Communication) *Dispatcher {
	return &Dispatcher{comms: c}
}

// Dispatch routes a request to the matching method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Ctx.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	switch req.Method {
	case "send":
		return d.handleSend(ctx, req)
	case "addRouting":
		return d.handleAddRouting(req)
	case "removeRouting":
		return d.handleRemoveRouting(req)
	case "removeOutputAdapter":
		return d.handleRemoveOutputAdapter(ctx, req)
	case "removeInputAdapter":
		return d.handleRemoveInputAdapter(req)
	case "adapterInfo":
		return d.handleAdapterInfo(req)
	case "addMessageInfo":
		return d.handleAddMessageInfo(ctx, req)
	case "messageInfo":
		return d.handleMessageInfo(ctx, req)
	case "health":
		return &Response{ID: req.ID, Ok: true, Result: d.comms.Health(ctx)}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleSend(ctx context.Context, req *Request) *Response {
	var params SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse send params", false)
	}
	msg := params.Message
	if msg.Type() == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "message type is required", false)
	}
	// Rebuild so a missing id is assigned; the caller's correlation id becomes the
	// conversation when the message has none.
	b := msg.Builder()
	if msg.ConversationID() == "" && req.Ctx != nil && req.Ctx.CorrelationID != "" {
		b = b.ConversationID(req.Ctx.CorrelationID)
	}
	id, err := d.comms.Send(ctx, b.Build())
	if err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: IDResult{ID: id}}
}

func (d *Dispatcher) handleAddRouting(req *Request) *Response {
	var rule model.RoutingRule
	if err := json.Unmarshal(req.Params, &rule); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse addRouting params", false)
	}
	id, err := d.comms.AddRouting(rule)
	if err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: IDResult{ID: id}}
}

func (d *Dispatcher) handleRemoveRouting(req *Request) *Response {
	params, resp := parseID(req, "removeRouting")
	if resp != nil {
		return resp
	}
	if err := d.comms.RemoveRouting(params.ID); err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: IDResult{ID: params.ID}}
}

func (d *Dispatcher) handleRemoveOutputAdapter(ctx context.Context, req *Request) *Response {
	params, resp := parseID(req, "removeOutputAdapter")
	if resp != nil {
		return resp
	}
	if err := d.comms.RemoveOutputAdapter(ctx, params.ID); err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: IDResult{ID: params.ID}}
}

func (d *Dispatcher) handleRemoveInputAdapter(req *Request) *Response {
	params, resp := parseID(req, "removeInputAdapter")
	if resp != nil {
		return resp
	}
	if err := d.comms.RemoveInputAdapter(params.ID); err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: IDResult{ID: params.ID}}
}

func (d *Dispatcher) handleAdapterInfo(req *Request) *Response {
	var params AdapterInfoParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse adapterInfo params", false)
	}
	if params.Ref == "" {
		return &Response{ID: req.ID, Ok: true, Result: d.comms.Adapters()}
	}
	meta, err := d.comms.AdapterInfo(params.Ref)
	if err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: meta}
}

func (d *Dispatcher) handleAddMessageInfo(ctx context.Context, req *Request) *Response {
	var info model.MessageInfo
	if err := json.Unmarshal(req.Params, &info); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse addMessageInfo params", false)
	}
	if err := d.comms.AddMessageInfo(ctx, info); err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: info}
}

func (d *Dispatcher) handleMessageInfo(ctx context.Context, req *Request) *Response {
	var params MessageInfoParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse messageInfo params", false)
		}
	}
	if params.Type == "" {
		all, err := d.comms.ListMessageInfo(ctx)
		if err != nil {
			return toResponse(req.ID, err)
		}
		return &Response{ID: req.ID, Ok: true, Result: all}
	}
	info, err := d.comms.MessageInfo(ctx, params.Type, params.Subtype)
	if err != nil {
		return toResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: info}
}

// --- helpers ---

func parseID(req *Request, method string) (IDParams, *Response) {
	var params IDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, errorResponse(req.ID, CodeInvalidArgument, fmt.Sprintf("Failed to parse %s params", method), false)
	}
	if params.ID.IsZero() {
		return params, errorResponse(req.ID, CodeInvalidArgument, "id is required", false)
	}
	return params, nil
}

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// toResponse maps package sentinel errors to error codes. Unknown errors are
// INTERNAL_ERROR and retryable.
func toResponse(id string, err error) *Response {
	switch {
	case errors.Is(err, routing.ErrInvalidRule),
		errors.Is(err, routing.ErrUnroutable),
		errors.Is(err, communication.ErrInvalidMessageInfo):
		return errorResponse(id, CodeInvalidArgument, err.Error(), false)
	case errors.Is(err, routing.ErrRuleNotFound),
		errors.Is(err, execution.ErrAdapterNotFound),
		errors.Is(err, manager.ErrVersionMismatch),
		errors.Is(err, model.ErrNoSuchPeer),
		errors.Is(err, model.ErrNoSuchCollective),
		errors.Is(err, communication.ErrMessageInfoNotFound):
		return errorResponse(id, CodeNotFound, err.Error(), false)
	case errors.Is(err, manager.ErrNoEndpoint):
		return errorResponse(id, CodeNoEndpoint, err.Error(), true)
	}
	return errorResponse(id, CodeInternal, err.Error(), true)
}
