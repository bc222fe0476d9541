package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powersync/tabsync/internal/localdb"
	"github.com/powersync/tabsync/internal/syncengine"
	"github.com/powersync/tabsync/pkg/config"
	"github.com/powersync/tabsync/pkg/logging"
)

// electionTimeout bounds how long the sync runner waits for a ping reply
// before considering a candidate host unreachable (spec.md §4.3.3).
var electionTimeout = time.Duration(config.GetEnvInt("PING_TIMEOUT_MS", 5000)) * time.Millisecond

// engineRetryDelay is the fixed backoff the runner waits before attempting
// to re-elect a host after promote() fails to obtain the host's database,
// connect to it, or build and start the engine (see scheduleRetry).
var engineRetryDelay = time.Duration(config.GetEnvInt("ENGINE_RETRY_DELAY_MS", 3000)) * time.Millisecond

// runnerEvent is the sum type processed one at a time by a SyncRunner's
// single-reader event loop (spec.md §5): the only way the runner's state
// is mutated.
type runnerEvent interface{ isRunnerEvent() }

type addConnectionEvent struct{ client *ConnectedClient }
type removeConnectionEvent struct{ client *ConnectedClient }
type activeDatabaseClosedEvent struct{}

// broadcastStatusEvent carries one engine status update to be fanned out to
// every currently connected client.
type broadcastStatusEvent struct{ payload json.RawMessage }

// snapshotEvent answers a point-in-time read of runner state without
// exposing it to concurrent access outside the event loop; used by tests
// and diagnostics to observe the invariants in spec.md §8.
type snapshotEvent struct{ reply chan runnerSnapshot }

func (addConnectionEvent) isRunnerEvent()        {}
func (removeConnectionEvent) isRunnerEvent()     {}
func (activeDatabaseClosedEvent) isRunnerEvent() {}
func (snapshotEvent) isRunnerEvent()             {}
func (broadcastStatusEvent) isRunnerEvent()      {}

// runnerSnapshot is a point-in-time, safe-to-read-anywhere copy of a
// SyncRunner's state.
type runnerSnapshot struct {
	connectionCount int
	host            *ConnectedClient
	hasEngine       bool
}

// SyncRunner owns the single streaming-sync pipeline for one database
// identifier, shared across every connected tab asking for that database
// (spec.md §4.3). All mutable state below is touched only from run(), the
// runner's single-goroutine event-queue consumer.
type SyncRunner struct {
	databaseName string
	logger       logging.Logger

	events chan runnerEvent

	connections map[*ConnectedClient]struct{}
	host        *ConnectedClient
	engine      syncengine.Engine
	dbHandle    localdb.Handle

	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	metrics *Metrics
}

// newSyncRunner constructs a runner for databaseName. It must be started
// with run() in its own goroutine by the caller (WorkerRoot). metrics may
// be nil.
func newSyncRunner(databaseName string, logger logging.Logger, metrics *Metrics) *SyncRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncRunner{
		databaseName: databaseName,
		logger:       logger.WithField("database", databaseName).Logger,
		events:       make(chan runnerEvent, 256),
		connections:  make(map[*ConnectedClient]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		metrics:      metrics,
	}
}

// referenceConnection registers client's interest in this runner's
// database. Safe to call from any goroutine; the registration itself
// happens on the runner's event loop.
func (r *SyncRunner) referenceConnection(client *ConnectedClient) {
	select {
	case r.events <- addConnectionEvent{client: client}:
	case <-r.done:
	}
}

// dereferenceConnection unregisters client, electing a new host if client
// was the current host.
func (r *SyncRunner) dereferenceConnection(client *ConnectedClient) {
	select {
	case r.events <- removeConnectionEvent{client: client}:
	case <-r.done:
	}
}

// run is the runner's single-reader event loop. It must be invoked in its
// own goroutine exactly once. The runner only shuts itself down once its
// connection set has gone from non-empty back to empty — a freshly
// created runner with no connections yet is not "empty" in that sense,
// it just hasn't been referenced yet.
func (r *SyncRunner) run() {
	defer close(r.done)

	everConnected := false

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ev)
		case <-r.ctx.Done():
			r.teardownEngine()
			return
		}

		if len(r.connections) > 0 {
			everConnected = true
		} else if everConnected {
			r.teardownEngine()
			return
		}
	}
}

// snapshot blocks until the runner's event loop has processed every event
// queued ahead of this call, then returns its current state. Safe to call
// from any goroutine.
func (r *SyncRunner) snapshot() runnerSnapshot {
	reply := make(chan runnerSnapshot, 1)
	select {
	case r.events <- snapshotEvent{reply: reply}:
	case <-r.done:
		return runnerSnapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-r.done:
		return runnerSnapshot{}
	}
}

func (r *SyncRunner) handle(ev runnerEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("event", fmt.Sprintf("%T", ev)).Warnf("sync runner: event handling failed: %v", p)
		}
	}()

	switch e := ev.(type) {
	case snapshotEvent:
		e.reply <- runnerSnapshot{
			connectionCount: len(r.connections),
			host:            r.host,
			hasEngine:       r.engine != nil,
		}
	case addConnectionEvent:
		r.connections[e.client] = struct{}{}
		r.reportConnectedClients()
		if r.host == nil {
			r.electHost()
		}
	case removeConnectionEvent:
		delete(r.connections, e.client)
		r.reportConnectedClients()
		if r.host == e.client {
			r.teardownEngine()
			r.electHost()
		}
	case activeDatabaseClosedEvent:
		r.teardownEngine()
		r.electHost()
	case broadcastStatusEvent:
		for c := range r.connections {
			c.channel.Notify(KindNotifySyncStatus, &NotifySyncStatusPayload{Status: e.payload})
		}
	}
}

// electHost pings every currently connected client in parallel and
// promotes the first to reply within electionTimeout, per spec.md
// §4.3.3's "first responder wins" liveness rule. A candidate whose ping
// times out is considered dead: it is marked closed immediately rather
// than waiting on its own Channel to notice (spec.md §4.3, Design Notes
// §9), which delivers this runner its own removeConnectionEvent.
func (r *SyncRunner) electHost() {
	if len(r.connections) == 0 {
		return
	}

	start := time.Now()
	candidates := make([]*ConnectedClient, 0, len(r.connections))
	for c := range r.connections {
		candidates = append(candidates, c)
	}

	winner := make(chan *ConnectedClient, len(candidates))

	group, ctx := errgroup.WithContext(r.ctx)
	for _, c := range candidates {
		c := c
		group.Go(func() error {
			if err := c.Ping(electionTimeout); err != nil {
				c.markClosed()
				return nil
			}
			select {
			case winner <- c:
			case <-ctx.Done():
			}
			return nil
		})
	}

	go func() {
		group.Wait()
		close(winner)
	}()

	select {
	case host, ok := <-winner:
		if r.metrics != nil {
			r.metrics.ElectionDuration.Observe(time.Since(start).Seconds())
		}
		if !ok || host == nil {
			r.reportElection("no_candidate")
			r.logger.Warn("sync runner: no candidate responded to election ping")
			return
		}
		r.reportElection("elected")
		r.promote(host)
	case <-r.ctx.Done():
	}
}

func (r *SyncRunner) reportElection(outcome string) {
	if r.metrics != nil {
		r.metrics.ElectionsTotal.WithLabelValues(r.databaseName, outcome).Inc()
	}
}

func (r *SyncRunner) reportConnectedClients() {
	if r.metrics != nil {
		r.metrics.ConnectedClients.WithLabelValues(r.databaseName).Set(float64(len(r.connections)))
	}
}

func (r *SyncRunner) promote(client *ConnectedClient) {
	r.host = client
	r.logger.WithField("client", client.ID()).Info("sync runner: elected host")

	endpoint, err := r.requestDatabase(client)
	if err != nil {
		r.logger.WithError(err).Warn("sync runner: requestDatabase failed")
		r.host = nil
		r.scheduleRetry()
		return
	}

	handle, err := localdb.Connect(endpoint)
	if err != nil {
		r.logger.WithError(err).Warn("sync runner: failed to connect to local database")
		r.host = nil
		r.scheduleRetry()
		return
	}
	r.dbHandle = handle

	go r.watchClosed(handle)

	engine, err := syncengine.New(r.ctx, syncengine.Params{
		DatabaseName: r.databaseName,
		Channel:      client.Channel(),
		Handle:       handle,
		Logger:       r.logger,
	})
	if err != nil {
		r.logger.WithError(err).Warn("sync runner: failed to build sync engine")
		r.teardownEngine()
		r.scheduleRetry()
		return
	}
	r.engine = engine

	if err := engine.Start(r.ctx); err != nil {
		r.logger.WithError(err).Warn("sync runner: engine failed to start")
		r.teardownEngine()
		r.scheduleRetry()
		return
	}

	go r.forwardStatus(engine)
}

// requestDatabase asks client for a transferable local-database endpoint
// over its Channel (spec.md §4.3.2 step 1: "ask the client for a database
// connection ... receive a transferable endpoint (port + name + lock
// name)"), the handshake the "Electing" state and scenarios S1-S3 are built
// around.
func (r *SyncRunner) requestDatabase(client *ConnectedClient) (localdb.Endpoint, error) {
	raw, err := client.Channel().Request(KindRequestDatabase, nil, electionTimeout)
	if err != nil {
		return localdb.Endpoint{}, err
	}

	var p RequestDatabasePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return localdb.Endpoint{}, fmt.Errorf("sync runner: malformed requestDatabase reply: %w", err)
	}

	return localdb.Endpoint{
		Port:         p.DatabasePort,
		DatabaseName: p.DatabaseName,
		LockName:     p.LockName,
	}, nil
}

func (r *SyncRunner) watchClosed(handle localdb.Handle) {
	select {
	case <-handle.Closed():
		select {
		case r.events <- activeDatabaseClosedEvent{}:
		case <-r.done:
		}
	case <-r.ctx.Done():
	}
}

// forwardStatus relays every engine status event onto the runner's event
// loop, which broadcasts it to every currently connected client (spec.md
// §4.3.2 step 6, §8 "Broadcast fanout": exactly one notification per client
// in connections, not just the host).
func (r *SyncRunner) forwardStatus(engine syncengine.Engine) {
	for {
		select {
		case status, ok := <-engine.Status():
			if !ok {
				return
			}
			select {
			case r.events <- broadcastStatusEvent{payload: status.Raw}:
			case <-r.done:
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SyncRunner) scheduleRetry() {
	time.AfterFunc(engineRetryDelay, func() {
		select {
		case r.events <- activeDatabaseClosedEvent{}:
		case <-r.done:
		}
	})
}

// teardownEngine aborts the active engine and local database handle, if
// any, restoring the runner to its pre-election state (spec.md §8:
// engine == nil <=> host == nil).
func (r *SyncRunner) teardownEngine() {
	if r.engine != nil {
		if err := r.engine.Abort(r.ctx); err != nil {
			r.logger.WithError(err).Warn("sync runner: engine abort failed")
		}
		r.engine = nil
	}
	if r.dbHandle != nil {
		r.dbHandle.Close()
		r.dbHandle = nil
	}
	r.host = nil
}

// shutdown cancels the runner's context, unwinding run() and any engine
// it owns. run() also returns on its own once its connection set has gone
// from non-empty back to empty.
func (r *SyncRunner) shutdown() {
	r.cancel()
}
