// Package progress carries status notifications from slow background work (interpreter
// provisioning, package installs, server startup) to whoever is listening.
package progress

import (
	"strings"
	"sync"
)

// Stage identifies which phase of a long-running operation an update belongs to.
type Stage string

const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageInstall  Stage = "install"
	StageCreate   Stage = "create"
	StageServer   Stage = "server"
	StageDone     Stage = "done"
	StageFailed   Stage = "failed"
)

// Update describes one progress notification.
type Update struct {
	// Source names the component emitting the update, e.g. "provision".
	Source string
	Stage  Stage
	// Message is the human-readable status line.
	Message string
	// Percent is 0-100 when known, negative otherwise.
	Percent float64
	// AddNewLine appends a newline to Message if one is not already present.
	AddNewLine bool
	// Ephemeral marks the update as transient (superseded by the next one).
	Ephemeral bool
}

// Terminal reports whether the update ends its operation.
func (u Update) Terminal() bool {
	return u.Stage == StageDone || u.Stage == StageFailed
}

// Callback receives progress updates.
type Callback func(Update) error

// Normalize ensures the update reflects requested formatting (currently newline handling).
func Normalize(update Update) Update {
	if update.AddNewLine && update.Message != "" && !strings.HasSuffix(update.Message, "\n") {
		update.Message += "\n"
	}
	return update
}

// Dispatch normalizes and sends the update if the callback is set.
func Dispatch(cb Callback, update Update) error {
	if cb == nil {
		return nil
	}
	return cb(Normalize(update))
}

// Broadcaster fans updates out to every registered callback.
type Broadcaster struct {
	mu        sync.RWMutex
	callbacks []Callback
}

// Subscribe registers cb for all future updates.
func (b *Broadcaster) Subscribe(cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Publish delivers update to every subscriber and returns the first error.
func (b *Broadcaster) Publish(update Update) error {
	b.mu.RLock()
	callbacks := append([]Callback(nil), b.callbacks...)
	b.mu.RUnlock()

	var firstErr error
	for _, cb := range callbacks {
		if err := Dispatch(cb, update); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Callback returns Publish as a Callback so a Broadcaster can be handed to producers.
func (b *Broadcaster) Callback() Callback {
	return b.Publish
}
