package coordinator

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/powersync/tabsync/pkg/logging"
)

// WorkerRoot is the process-wide root of the coordinator (spec.md §4.4):
// at most one live SyncRunner per database identifier, shared across every
// tab that asks for it. A runner is removed from the table once its
// connection set has emptied and its event loop has exited; a later
// request for the same identifier creates a new runner.
type WorkerRoot struct {
	logger  logging.Logger
	sink    *logging.Sink
	metrics *Metrics

	mu      sync.Mutex
	runners map[string]*SyncRunner
}

// NewWorkerRoot constructs an empty worker root. sink, if non-nil, is
// subscribed to by every connected client to forward process-wide log
// records (spec.md §9). metrics may be nil, in which case the worker root
// runs uninstrumented.
func NewWorkerRoot(logger logging.Logger, sink *logging.Sink, metrics *Metrics) *WorkerRoot {
	return &WorkerRoot{
		logger:  logger,
		sink:    sink,
		metrics: metrics,
		runners: make(map[string]*SyncRunner),
	}
}

// Accept upgrades conn into a ConnectedClient and wires its
// startSynchronization/abortSynchronization requests to this worker
// root's runner table. The returned client is ready to use immediately;
// its lifecycle ends when its Channel disconnects.
func (w *WorkerRoot) Accept(conn *websocket.Conn) *ConnectedClient {
	id := uuid.New().String()

	attachment := &clientAttachment{}

	onStart := func(cc *ConnectedClient, databaseName string) error {
		attachment.mu.Lock()
		defer attachment.mu.Unlock()
		if attachment.runner != nil {
			// Re-synchronizing the same client onto a different database
			// is not part of this worker's contract; treat repeat starts
			// against a new name as an implicit abort-then-start.
			attachment.runner.dereferenceConnection(cc)
		}
		runner := w.referenceSyncTask(databaseName)
		attachment.runner = runner
		runner.referenceConnection(cc)
		return nil
	}

	onAbort := func(cc *ConnectedClient) {
		attachment.mu.Lock()
		defer attachment.mu.Unlock()
		if attachment.runner != nil {
			attachment.runner.dereferenceConnection(cc)
			attachment.runner = nil
		}
	}

	onClosed := func(cc *ConnectedClient) {
		attachment.mu.Lock()
		defer attachment.mu.Unlock()
		if attachment.runner != nil {
			attachment.runner.dereferenceConnection(cc)
			attachment.runner = nil
		}
	}

	return NewConnectedClient(id, conn, w.logger, w.sink, onStart, onAbort, onClosed)
}

// clientAttachment tracks which SyncRunner, if any, a ConnectedClient is
// currently registered against.
type clientAttachment struct {
	mu     sync.Mutex
	runner *SyncRunner
}

// referenceSyncTask returns the SyncRunner for databaseName, creating and
// starting it if no runner for that database is in the table (one live
// runner per identifier; runAndEvict removes a runner once it has exited).
func (w *WorkerRoot) referenceSyncTask(databaseName string) *SyncRunner {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r, ok := w.runners[databaseName]; ok {
		return r
	}

	r := newSyncRunner(databaseName, w.logger, w.metrics)
	w.runners[databaseName] = r
	w.reportRunnerCount()
	go w.runAndEvict(r)
	return r
}

func (w *WorkerRoot) reportRunnerCount() {
	if w.metrics != nil {
		w.metrics.ActiveRunners.Set(float64(len(w.runners)))
	}
}

// runAndEvict runs r to completion, then removes it from the runner
// table so a later startSynchronization for the same database name
// creates a fresh runner rather than reusing a torn-down one.
func (w *WorkerRoot) runAndEvict(r *SyncRunner) {
	r.run()

	w.mu.Lock()
	if w.runners[r.databaseName] == r {
		delete(w.runners, r.databaseName)
	}
	w.reportRunnerCount()
	w.mu.Unlock()
}

// RunnerCount reports the number of active sync runners, for diagnostics
// and tests.
func (w *WorkerRoot) RunnerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runners)
}
