package syncengine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/powersync/tabsync/internal/localdb"
	"github.com/powersync/tabsync/pkg/config"
	"github.com/powersync/tabsync/pkg/logging"
)

// retryDelay is the fixed backoff between reconnect attempts of the
// streaming HTTP request, mirroring PowerSync's own streaming client.
var retryDelay = time.Duration(config.GetEnvInt("ENGINE_RETRY_DELAY_MS", 3000)) * time.Millisecond

// uploadTimeout bounds how long the engine waits for the host tab to
// acknowledge a worker -> client proxy request (uploadCrud,
// invalidCredentialsCallback).
var uploadTimeout = time.Duration(config.GetEnvInt("UPLOAD_TIMEOUT_MS", 10000)) * time.Millisecond

// httpEngine streams sync lines from a PowerSync service endpoint over a
// long-lived HTTP request, emits each line as a status event, and relays
// CRUD uploads and credential refreshes back through the host tab's
// Channel (spec.md §7, SPEC_FULL.md §7). Its http.Client uses the default
// transport and adds no Origin or other CORS headers, and streamed lines
// are not written to the local database handle.
type httpEngine struct {
	params Params
	client *http.Client

	status chan StatusEvent

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func newHTTPEngine(p Params) *httpEngine {
	return &httpEngine{
		params: p,
		client: &http.Client{Timeout: 0}, // long-poll: no client-side deadline.
		status: make(chan StatusEvent, 16),
	}
}

func (e *httpEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("syncengine: engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx)
	return nil
}

func (e *httpEngine) Abort(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *httpEngine) Status() <-chan StatusEvent { return e.status }

func (e *httpEngine) run(ctx context.Context) {
	defer close(e.status)

	updates := e.params.Handle.Updates()

	for {
		creds, err := e.fetchCredentials(ctx)
		if err != nil {
			e.params.Logger.WithError(err).Warn("syncengine: credential fetch failed, retrying")
			if !e.sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		streamCtx, streamCancel := context.WithCancel(ctx)
		lines := make(chan string, 64)
		go e.stream(streamCtx, creds, lines)

		drained := e.drain(streamCtx, lines, updates)
		streamCancel()

		if !drained {
			return
		}
		if !e.sleep(ctx, retryDelay) {
			return
		}
	}
}

func (e *httpEngine) drain(ctx context.Context, lines <-chan string, updates <-chan localdb.CrudBatch) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return true
			}
			e.emitStatus(line)
		case batch, ok := <-updates:
			if !ok {
				return true
			}
			e.uploadCrud(ctx, batch)
		}
	}
}

func (e *httpEngine) emitStatus(line string) {
	select {
	case e.status <- StatusEvent{Raw: json.RawMessage(line)}:
	default:
		// Status is best-effort telemetry; drop rather than block streaming.
	}
}

func (e *httpEngine) fetchCredentials(ctx context.Context) (json.RawMessage, error) {
	return e.params.Channel.Request("credentialsCallback", nil, 10*time.Second)
}

// uploadCrud proxies a batch of local CRUD operations to the host tab and
// awaits its reply (spec.md §4.1, §6: "uploadCrud{} -> {}" is a worker ->
// client request, not a notification, so a failed upload is observed).
// A failed upload is logged; the batch is not resent.
func (e *httpEngine) uploadCrud(ctx context.Context, batch localdb.CrudBatch) {
	if _, err := e.params.Channel.Request("uploadCrud", batch, uploadTimeout); err != nil {
		e.params.Logger.WithError(err).Warn("syncengine: crud upload failed")
	}
}

// stream issues the long-lived sync streaming request and pushes each
// newline-delimited JSON line it receives onto lines, closing lines when
// the request ends for any reason.
func (e *httpEngine) stream(ctx context.Context, creds json.RawMessage, lines chan<- string) {
	defer close(lines)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.syncEndpoint(), nil)
	if err != nil {
		e.params.Logger.WithError(err).Warn("syncengine: build streaming request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.client.Do(req)
	if err != nil {
		e.params.Logger.WithError(err).Warn("syncengine: streaming request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// invalidCredentialsCallback is a worker -> client request per
		// spec.md §4.1/§6: the runner waits for the tab's acknowledgement
		// before the retry loop re-fetches credentials, rather than racing
		// ahead of a tab that hasn't yet invalidated its cached token.
		if _, err := e.params.Channel.Request("invalidCredentialsCallback", nil, uploadTimeout); err != nil {
			e.params.Logger.WithError(err).Warn("syncengine: invalidCredentialsCallback failed")
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		e.params.Logger.WithField("status", resp.StatusCode).Warn("syncengine: unexpected streaming status")
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func (e *httpEngine) syncEndpoint() string {
	return config.GetEnv("SYNC_SERVICE_URL", "http://localhost:8080") + "/sync/stream"
}

func (e *httpEngine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
