// Package protoo implements the protoo-style JSON-RPC envelopes used on both
// the signaling edge and the pilot channel.
package protoo

import "encoding/json"

// Request is an incoming request frame.
type Request struct {
	Request bool            `json:"request"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data"`
}

// Response answers one Request by id.
type Response struct {
	Response    bool  `json:"response"`
	ID          int64 `json:"id"`
	OK          bool  `json:"ok"`
	Data        any   `json:"data,omitempty"`
	ErrorCode   int   `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Notification is a one-way frame.
type Notification struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

// NewRequest builds a request frame.
func NewRequest(id int64, method string, data any) (*Request, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Request{Request: true, ID: id, Method: method, Data: raw}, nil
}

// NewResponse builds a success response frame.
func NewResponse(id int64, data any) *Response {
	return &Response{Response: true, ID: id, OK: true, Data: data}
}

// NewErrorResponse builds a failure response frame.
func NewErrorResponse(id int64, code int, reason string) *Response {
	return &Response{Response: true, ID: id, OK: false, ErrorCode: code, ErrorReason: reason}
}

// NewNotification builds a notification frame.
func NewNotification(method string, data any) *Notification {
	return &Notification{Notification: true, Method: method, Data: data}
}

// Peek classifies a raw frame without fully decoding its payload.
type Peek struct {
	Request      bool            `json:"request"`
	Response     bool            `json:"response"`
	Notification bool            `json:"notification"`
	ID           int64           `json:"id"`
	OK           bool            `json:"ok"`
	Method       string          `json:"method"`
	Data         json.RawMessage `json:"data"`
	ErrorCode    int             `json:"errorCode"`
	ErrorReason  string          `json:"errorReason"`
}

// ResponseSender is the capability a signaling connection hands to the room:
// answer one request and push notifications. A nil ResponseSender means the
// user has no live signaling channel (remote users, or after leave).
type ResponseSender interface {
	Respond(id int64, data any)
	RespondError(id int64, code int, reason string)
	Notify(method string, data any)
}
