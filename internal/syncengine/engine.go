// Package syncengine defines the contract the coordinator uses to drive
// one database's streaming-sync pipeline once a host tab has been
// elected. The engine itself — bucket storage, oplog application, CRUD
// upload — is treated as an external collaborator (spec.md §1 scope); this
// package only describes its lifecycle boundary and ships one concrete,
// HTTP-polling implementation of it.
package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/powersync/tabsync/internal/localdb"
	"github.com/powersync/tabsync/pkg/logging"
)

// StatusEvent is one serialized sync-status update, forwarded verbatim to
// every tab connected to the runner as a notifySyncStatus notification.
type StatusEvent struct {
	Raw json.RawMessage
}

// Engine is the contract a streaming-sync pipeline for one database must
// satisfy. Exactly one Engine exists per SyncRunner while it has a host
// (spec.md §8's engine != nil <=> host != nil invariant).
type Engine interface {
	// Start begins streaming sync against the host's local database. It
	// returns once the engine has either begun running in the background
	// or failed to do so; it does not block for the engine's lifetime.
	Start(ctx context.Context) error

	// Abort stops the engine and releases any resources it holds. It is
	// called both on graceful teardown (connections reaching zero) and on
	// forced teardown (host disconnect, local database closing).
	Abort(ctx context.Context) error

	// Status streams sync-status updates until the engine is aborted, at
	// which point the channel is closed.
	Status() <-chan StatusEvent
}

// Params are the dependencies a concrete Engine needs to run: the
// database it is syncing, the Channel back to its host tab for
// credential/CRUD callbacks, the local database handle it applies
// operations to, and a logger scoped to the owning sync runner.
type Params struct {
	DatabaseName string
	Channel      Requester
	Handle       localdb.Handle
	Logger       logging.Logger
}

// Requester is the subset of *coordinator.Channel the engine needs: the
// ability to issue correlated requests to the host tab for credentials
// and CRUD upload. Defined here rather than importing coordinator
// directly, to keep internal/syncengine free of a dependency on the
// coordinator package it is itself a collaborator of.
type Requester interface {
	Request(kind string, payload any, timeout time.Duration) (json.RawMessage, error)
	Notify(kind string, payload any) error
}

// New builds the coordinator's default Engine: an HTTP long-poll sync
// client modeled on PowerSync's own streaming protocol (SPEC_FULL.md §7).
func New(ctx context.Context, p Params) (Engine, error) {
	return newHTTPEngine(p), nil
}
