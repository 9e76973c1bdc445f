package acp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/m4xw311/codexd/errors"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods of the dialect spoken with the agent.
const (
	MethodInitialize      = "initialize"
	MethodAuthenticate    = "authenticate"
	MethodSessionNew      = "session/new"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionUpdate   = "session/update"
	MethodSessionComplete = "session/complete"
)

// Message is one of *Request, *Response, *Notification or *InboundRequest.
type Message interface {
	isMessage()
}

// Request is sent by the engine only.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response correlates to a prior Request by ID. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification has no id and may arrive at any time.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InboundRequest is a request initiated by the agent. Its id is kept raw
// because the agent chooses its own id space.
type InboundRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorReply answers an InboundRequest.
type ErrorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

func (*Request) isMessage()        {}
func (*Response) isMessage()       {}
func (*Notification) isMessage()   {}
func (*InboundRequest) isMessage() {}

// RPCError is the error payload of a Response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is makes every RPCError match errors.ErrProtocol.
func (e *RPCError) Is(target error) bool {
	return target == errors.ErrProtocol
}

// NewRequest creates a new JSON-RPC 2.0 request.
func NewRequest(id uint64, method string, params any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// envelope holds every field any message shape may carry.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Decode classifies one framed line. Values matching no shape fail with
// errors.ErrMalformedMessage.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedMessage, "invalid json: %v", err)
	}
	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	switch {
	case env.Method != nil && !hasID:
		if *env.Method == "" {
			return nil, errors.Wrapf(errors.ErrMalformedMessage, "notification with empty method")
		}
		return &Notification{JSONRPC: env.JSONRPC, Method: *env.Method, Params: env.Params}, nil
	case env.Method != nil && hasID:
		return &InboundRequest{JSONRPC: env.JSONRPC, ID: env.ID, Method: *env.Method, Params: env.Params}, nil
	case hasID:
		id, err := strconv.ParseUint(string(env.ID), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrMalformedMessage, "response id %s is not an unsigned integer", string(env.ID))
		}
		// RawMessage keeps an explicit null, so "result": null counts as set.
		hasResult := len(env.Result) > 0
		if hasResult == (env.Error != nil) {
			return nil, errors.Wrapf(errors.ErrMalformedMessage, "response %d must carry exactly one of result or error", id)
		}
		return &Response{JSONRPC: env.JSONRPC, ID: id, Result: env.Result, Error: env.Error}, nil
	}
	return nil, errors.Wrapf(errors.ErrMalformedMessage, "message has neither id nor method")
}
