// Package wire defines the JSON text frames exchanged over a session channel.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type Type string

const (
	// Document sync.
	TypeDocSync   Type = "doc_sync"
	TypeDocUpdate Type = "doc_update"
	TypeAwareness Type = "awareness"

	// Control.
	TypeCollaboratorConnect    Type = "collaborator_connect"
	TypeCollaboratorDisconnect Type = "collaborator_disconnect"
	TypeCollaboratorEnded      Type = "collaborator_ended"

	// Code execution.
	TypeRunCode     Type = "run_code"
	TypeCodeRunning Type = "code_running"
	TypeCodeResult  Type = "code_result"
)

func (t Type) IsExecution() bool {
	switch t {
	case TypeRunCode, TypeCodeRunning, TypeCodeResult:
		return true
	}
	return false
}

// Frame is the union of every message carried over a session channel. Binary payloads
// (CRDT updates and awareness) are base64 in JSON.
type Frame struct {
	Type Type `json:"type"`

	Update    []byte `json:"update,omitempty"`
	Awareness []byte `json:"awareness,omitempty"`

	*RunCode
	*CodeResult
}

// RunCode carries an execution request. Code and Stdin are base64 encoded.
type RunCode struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Stdin    string `json:"stdin,omitempty"`
	Timeout  int    `json:"timeout,omitempty"`
}

type CodeResult struct {
	Status        string  `json:"status,omitempty"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	DurationMs    int64   `json:"duration_ms"`
}

func Control(t Type) Frame { return Frame{Type: t} }

func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", f.Type, err)
	}
	return b, nil
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("wire: frame without type")
	}
	return f, nil
}

func EncodePayload(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func DecodePayload(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("wire: decode payload: %w", err)
	}
	return string(b), nil
}
