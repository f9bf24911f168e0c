package websocket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"notebook-sync-client/internal/domain"
)

type Command string

const (
	CmdRun  Command = "Run"
	CmdRes  Command = "Res"
	CmdErr  Command = "Err"
	CmdPing Command = "Ping"
	CmdPong Command = "Pong"
)

// Message is the envelope used in both directions on a notebook channel.
// Seq is a per-cell request counter; servers that do not echo it leave it 0.
type Message struct {
	Cmd    Command         `json:"cmd"`
	CellID string          `json:"cellId"`
	Data   json.RawMessage `json:"data,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
}

func NewMessage(cmd Command, cellID string, data interface{}) (*Message, error) {
	var dataBytes json.RawMessage
	if data != nil {
		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		dataBytes = bytes
	}

	return &Message{
		Cmd:    cmd,
		CellID: cellID,
		Data:   dataBytes,
	}, nil
}

// NewRunMessage carries the full source text; the server never diffs.
func NewRunMessage(cellID, source string, seq uint64) (*Message, error) {
	msg, err := NewMessage(CmdRun, cellID, source)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq
	return msg, nil
}

func NewPingMessage(now time.Time) (*Message, error) {
	return NewMessage(CmdPing, "", strconv.FormatInt(now.UnixMilli(), 10))
}

func NewPongMessage(now time.Time) (*Message, error) {
	return NewMessage(CmdPong, "", strconv.FormatInt(now.UnixMilli(), 10))
}

func (m *Message) UnmarshalData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

func (m *Message) Bindings() (domain.Bindings, error) {
	bindings := domain.Bindings{}
	if err := m.UnmarshalData(&bindings); err != nil {
		return nil, fmt.Errorf("invalid Res payload: %w", err)
	}
	return bindings, nil
}

// Text returns the data as a string. Non-string payloads are returned as
// their JSON text so an error message is never lost.
func (m *Message) Text() string {
	if m.Data == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

func (m *Message) Validate() error {
	switch m.Cmd {
	case CmdRun, CmdRes, CmdErr:
		if m.CellID == "" {
			return fmt.Errorf("%s message without cellId", m.Cmd)
		}
	case CmdPing, CmdPong:
	default:
		return fmt.Errorf("unknown command %q", m.Cmd)
	}
	return nil
}
