package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/bootstrap"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/communication"
	"github.com/morezero/peer-broker/pkg/db"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/manager"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/routing"
)

const testPrefix = "dispatcher:dispatcher_test"

func newDispatcher(t *testing.T) (*Dispatcher, broker.Broker) {
	t.Helper()
	dir := bootstrap.GetDefaultDirectory()
	dir.Peers = map[string]bootstrap.PeerEntry{
		"alice": {Addresses: []bootstrap.AddressEntry{{Adapter: "sms"}}},
	}
	resolved := bootstrap.CreateResolvedDirectory(dir)

	b := broker.NewMemoryBroker(nil)
	engine := execution.NewEngine(b, nil)
	mgr := manager.New(engine, resolved, nil)
	router := routing.NewRouter(b, mgr, resolved, routing.RouterOpts{})
	c := communication.New(communication.Params{
		Broker:      b,
		Engine:      engine,
		Manager:     mgr,
		Router:      router,
		MessageInfo: db.NewMemoryStore(dir),
	})
	t.Cleanup(func() { _ = c.Close() })

	reg := adapter.Registration{
		Metadata: adapter.Metadata{Name: "email", Version: "2.0.0"},
		Factory: func(*model.PeerChannelAddress) (adapter.OutputAdapter, error) {
			return adapter.PushFunc(func(context.Context, model.Message, *model.PeerChannelAddress) error { return nil }), nil
		},
	}
	if _, err := c.RegisterOutputAdapter(context.Background(), reg); err != nil {
		t.Fatalf("%s - register failed: %v", testPrefix, err)
	}
	return NewDispatcher(c), b
}

func request(t *testing.T, method string, params any) *Request {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("%s - marshal params: %v", testPrefix, err)
	}
	return &Request{ID: "req-1", Method: method, Params: raw}
}

func wantError(t *testing.T, resp *Response, code string, retryable bool) {
	t.Helper()
	if resp.Ok || resp.Error == nil {
		t.Fatalf("%s - expected %s error, got ok response %+v", testPrefix, code, resp)
	}
	if resp.Error.Code != code {
		t.Errorf("%s - code = %q, want %q (%s)", testPrefix, resp.Error.Code, code, resp.Error.Message)
	}
	if resp.Error.Retryable != retryable {
		t.Errorf("%s - retryable = %v, want %v", testPrefix, resp.Error.Retryable, retryable)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), &Request{ID: "abc", Method: "resolve"})
	wantError(t, resp, CodeMethodNotFound, false)
	if resp.ID != "abc" {
		t.Errorf("%s - response id = %q, want abc", testPrefix, resp.ID)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	d, _ := newDispatcher(t)
	for _, method := range []string{"send", "addRouting", "removeRouting", "removeOutputAdapter", "removeInputAdapter", "adapterInfo", "addMessageInfo", "messageInfo"} {
		t.Run(method, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), &Request{ID: "x", Method: method, Params: json.RawMessage(`[1,2`)})
			wantError(t, resp, CodeInvalidArgument, false)
		})
	}
}

func TestDispatch_SendToComponent(t *testing.T) {
	d, b := newDispatcher(t)
	msg := model.NewBuilder().Type(model.TypeData).ReceiverID(model.Component("billing")).Content("invoice").Build()

	req := request(t, "send", SendParams{Message: msg})
	req.Ctx = &InvocationContext{CorrelationID: "conv-7", TimeoutMs: 1000}
	resp := d.Dispatch(context.Background(), req)
	if !resp.Ok {
		t.Fatalf("%s - send failed: %+v", testPrefix, resp.Error)
	}
	if got := resp.Result.(IDResult).ID; got != msg.ID() {
		t.Errorf("%s - id = %v, want %v", testPrefix, got, msg.ID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Receive(ctx, broker.Task(model.Component("billing")))
	if err != nil {
		t.Fatalf("%s - receive failed: %v", testPrefix, err)
	}
	if got.ConversationID() != "conv-7" || got.Content() != "invoice" {
		t.Errorf("%s - delivered %v (conversation %q)", testPrefix, got, got.ConversationID())
	}
}

func TestDispatch_SendAssignsID(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), &Request{
		ID:     "r",
		Method: "send",
		Params: json.RawMessage(`{"message":{"type":"DATA","receiverId":{"type":"COMPONENT","id":"billing"}}}`),
	})
	if !resp.Ok {
		t.Fatalf("%s - send failed: %+v", testPrefix, resp.Error)
	}
	if id := resp.Result.(IDResult).ID; id.Type != model.TypeMessage || id.ID == "" {
		t.Errorf("%s - expected a generated MESSAGE id, got %v", testPrefix, id)
	}
}

func TestDispatch_SendErrors(t *testing.T) {
	d, _ := newDispatcher(t)
	tests := []struct {
		name      string
		msg       model.Message
		code      string
		retryable bool
	}{
		{"missing type", model.NewBuilder().ReceiverID(model.Component("x")).Build(), CodeInvalidArgument, false},
		{"unknown peer", model.NewBuilder().Type(model.TypeData).ReceiverID(model.Peer("nobody")).Build(), CodeNotFound, false},
		{"no endpoint", model.NewBuilder().Type(model.TypeData).ReceiverID(model.Peer("alice")).Build(), CodeNoEndpoint, true},
		{"unroutable", model.NewBuilder().Type(model.TypeData).Build(), CodeInvalidArgument, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), request(t, "send", SendParams{Message: tt.msg}))
			wantError(t, resp, tt.code, tt.retryable)
		})
	}
}

func TestDispatch_Routing(t *testing.T) {
	d, _ := newDispatcher(t)

	resp := d.Dispatch(context.Background(), request(t, "addRouting", model.RoutingRule{Type: model.TypeAuth, Route: model.Component("auth")}))
	if !resp.Ok {
		t.Fatalf("%s - addRouting failed: %+v", testPrefix, resp.Error)
	}
	id := resp.Result.(IDResult).ID

	resp = d.Dispatch(context.Background(), request(t, "addRouting", model.RoutingRule{Route: model.Peer("alice")}))
	wantError(t, resp, CodeInvalidArgument, false)

	resp = d.Dispatch(context.Background(), request(t, "removeRouting", IDParams{ID: id}))
	if !resp.Ok {
		t.Fatalf("%s - removeRouting failed: %+v", testPrefix, resp.Error)
	}
	resp = d.Dispatch(context.Background(), request(t, "removeRouting", IDParams{ID: id}))
	wantError(t, resp, CodeNotFound, false)

	resp = d.Dispatch(context.Background(), request(t, "removeRouting", IDParams{}))
	wantError(t, resp, CodeInvalidArgument, false)
}

func TestDispatch_Adapters(t *testing.T) {
	d, _ := newDispatcher(t)

	resp := d.Dispatch(context.Background(), request(t, "adapterInfo", AdapterInfoParams{Ref: "email@^2"}))
	if !resp.Ok || resp.Result.(adapter.Metadata).Version != "2.0.0" {
		t.Fatalf("%s - adapterInfo = %+v", testPrefix, resp)
	}
	resp = d.Dispatch(context.Background(), request(t, "adapterInfo", AdapterInfoParams{Ref: "email@^1"}))
	wantError(t, resp, CodeNotFound, false)
	resp = d.Dispatch(context.Background(), request(t, "adapterInfo", AdapterInfoParams{}))
	if !resp.Ok || len(resp.Result.([]adapter.Metadata)) != 1 {
		t.Errorf("%s - adapterInfo list = %+v", testPrefix, resp)
	}

	resp = d.Dispatch(context.Background(), request(t, "removeOutputAdapter", IDParams{ID: model.Adapter("email")}))
	if !resp.Ok {
		t.Fatalf("%s - removeOutputAdapter failed: %+v", testPrefix, resp.Error)
	}
	resp = d.Dispatch(context.Background(), request(t, "removeOutputAdapter", IDParams{ID: model.Adapter("email")}))
	wantError(t, resp, CodeNotFound, false)

	resp = d.Dispatch(context.Background(), request(t, "removeInputAdapter", IDParams{ID: model.Adapter("inbox")}))
	wantError(t, resp, CodeNotFound, false)
}

func TestDispatch_MessageInfo(t *testing.T) {
	d, _ := newDispatcher(t)

	info := model.MessageInfo{Type: model.TypeData, Subtype: "ORDER", Purpose: "place an order"}
	if resp := d.Dispatch(context.Background(), request(t, "addMessageInfo", info)); !resp.Ok {
		t.Fatalf("%s - addMessageInfo failed: %+v", testPrefix, resp.Error)
	}
	resp := d.Dispatch(context.Background(), request(t, "addMessageInfo", model.MessageInfo{Subtype: "X"}))
	wantError(t, resp, CodeInvalidArgument, false)

	resp = d.Dispatch(context.Background(), request(t, "messageInfo", MessageInfoParams{Type: model.TypeData, Subtype: "ORDER"}))
	if !resp.Ok || resp.Result.(*model.MessageInfo).Purpose != "place an order" {
		t.Fatalf("%s - messageInfo = %+v", testPrefix, resp)
	}
	resp = d.Dispatch(context.Background(), request(t, "messageInfo", MessageInfoParams{Type: model.TypeData, Subtype: "NONE"}))
	wantError(t, resp, CodeNotFound, false)

	resp = d.Dispatch(context.Background(), &Request{ID: "all", Method: "messageInfo"})
	if !resp.Ok || len(resp.Result.([]model.MessageInfo)) < 2 {
		t.Errorf("%s - messageInfo list = %+v", testPrefix, resp)
	}
}

func TestDispatch_Health(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), &Request{ID: "h", Method: "health"})
	if !resp.Ok {
		t.Fatalf("%s - health failed", testPrefix)
	}
	h := resp.Result.(*communication.HealthOutput)
	if h.Status != "healthy" || h.OutputAdapters != 1 {
		t.Errorf("%s - health = %+v", testPrefix, h)
	}
}

func TestResponse_JSON(t *testing.T) {
	resp := errorResponse("r1", CodeNoEndpoint, "no endpoint for peer", true)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("%s - marshal failed: %v", testPrefix, err)
	}
	want := `{"id":"r1","ok":false,"error":{"code":"NO_ENDPOINT","message":"no endpoint for peer","retryable":true}}`
	if string(data) != want {
		t.Errorf("%s - JSON = %s, want %s", testPrefix, data, want)
	}
}

func TestRequest_Unmarshal(t *testing.T) {
	raw := `{"id":"1","method":"send","params":{"message":{"type":"DATA"}},"ctx":{"correlationId":"c","timeoutMs":50}}`
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("%s - unmarshal failed: %v", testPrefix, err)
	}
	if req.Method != "send" || req.Ctx == nil || req.Ctx.TimeoutMs != 50 || req.Ctx.CorrelationID != "c" {
		t.Errorf("%s - request = %+v", testPrefix, req)
	}
}
