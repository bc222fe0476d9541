package localdb

import "sync"

// localHandle is the default, in-process Handle implementation. It holds
// no real storage connection; it exists so the coordinator's runner
// lifecycle (election, engine start/stop, teardown on close) can be
// exercised end-to-end without a real local database process attached.
type localHandle struct {
	endpoint Endpoint

	closed   chan struct{}
	updates  chan CrudBatch
	closeOnce sync.Once
}

func newLocalHandle(endpoint Endpoint) *localHandle {
	return &localHandle{
		endpoint: endpoint,
		closed:   make(chan struct{}),
		updates:  make(chan CrudBatch, 32),
	}
}

func (h *localHandle) Closed() <-chan struct{} { return h.closed }

func (h *localHandle) Updates() <-chan CrudBatch { return h.updates }

func (h *localHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		close(h.updates)
	})
	return nil
}
