package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("chat not initialized")
	ErrAlreadyInitialized = errors.New("chat already initialized")
	ErrBusy               = errors.New("a reply is still being generated")
	ErrClosed             = errors.New("session closed")
)

// StoreError is a failed conversation store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Messages shown to the client for each failure kind.
const (
	msgNotInitialized     = "Chat not initialized. Please refresh the page."
	msgAlreadyInitialized = "Chat already initialized."
	msgBusy               = "Please wait for the current reply before sending another message."
	msgClosed             = "Chat session is closed."
	msgStorePrefix        = "Storage error: "
	msgProviderPrefix     = "AI Error: "
)
