// Package ipc carries control commands from the CLI to the running owner over a unix socket.
package ipc

import "encoding/json"

// Request is one control command. Text carries the payload of answer/append.
type Request struct {
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

// Response reports the outcome and the screen the session is on. Detail holds the session
// snapshot for status.
type Response struct {
	OK      bool            `json:"ok"`
	State   string          `json:"state,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}
