package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrCellNotFound       = errors.New("cell not found")
	ErrNotExecutable      = errors.New("cell is not executable")
)

type ChannelState string

const (
	ChannelNotOpen ChannelState = "not_open"
	ChannelOpen    ChannelState = "open"
	ChannelClosed  ChannelState = "closed"
)

type LoadError struct {
	NotebookID string
	Err        error
}

func (e *LoadError) Error() string {
	if e.NotebookID != "" {
		return fmt.Sprintf("failed to load notebook %s: %v", e.NotebookID, e.Err)
	}
	return fmt.Sprintf("failed to load notebook: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type InvalidOrderError struct {
	Order  []string
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid display order [%s]: %s", strings.Join(e.Order, ","), e.Reason)
}

// ChannelUnavailableError matches ErrChannelUnavailable with errors.Is.
type ChannelUnavailableError struct {
	State ChannelState
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel unavailable: %s", e.State)
}

func (e *ChannelUnavailableError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

type EvaluationError struct {
	CellID  string
	Message string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of cell %s failed: %s", e.CellID, e.Message)
}
