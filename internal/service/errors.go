package service

import "errors"

var (
	ErrSessionLoading  = errors.New("session is still loading")
	ErrSessionClosed   = errors.New("session closed")
	ErrHistoryDisabled = errors.New("evaluation log disabled")
)
