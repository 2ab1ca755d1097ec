package domain

import "errors"

var (
	// ErrNoChannel means no registered channel owns a conversation id.
	ErrNoChannel = errors.New("no channel owns conversation")
	// ErrNotConnected is returned by sends on a channel without a live session.
	ErrNotConnected = errors.New("channel not connected")
	// ErrInvalidCredentials is a permanent connect failure; reconnecting will not help.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
