// Package acp implements the client side of the Agent Client Protocol (ACP)
// wire format used to drive an agent subprocess.
//
// Messages are newline-delimited JSON-RPC 2.0 objects exchanged over the
// agent's stdin/stdout. A line decodes to one of:
//   - Response: carries the id of a request the client sent
//   - Notification: no id, e.g. session/update and session/complete
//   - InboundRequest: a request the agent initiated
//
// The Decoder turns session/update notifications into StreamEvent values
// (message chunks, thought chunks and tool-call lifecycle transitions).
package acp
