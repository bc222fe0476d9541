package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/powersync/tabsync/internal/localdb"
	"github.com/powersync/tabsync/pkg/logging"
)

type fakeRequester struct {
	credentials json.RawMessage
}

func (f *fakeRequester) Request(kind string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if kind == "credentialsCallback" {
		return f.credentials, nil
	}
	return nil, nil
}

func (f *fakeRequester) Notify(kind string, payload any) error { return nil }

func TestHTTPEngineStreamsLinesUntilAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"op":"checkpoint"}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	t.Setenv("SYNC_SERVICE_URL", srv.URL)

	handle, err := localdb.Connect(localdb.Endpoint{DatabaseName: "stream-test"})
	require.NoError(t, err)
	defer handle.Close()

	engine := newHTTPEngine(Params{
		DatabaseName: "stream-test",
		Channel:      &fakeRequester{credentials: json.RawMessage(`{"token":"abc"}`)},
		Handle:       handle,
		Logger:       logging.NewLogger(),
	})

	require.NoError(t, engine.Start(context.Background()))
	defer engine.Abort(context.Background())

	select {
	case ev, ok := <-engine.Status():
		require.True(t, ok)
		require.JSONEq(t, `{"op":"checkpoint"}`, string(ev.Raw))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a status event from the streaming response")
	}
}

func TestHTTPEngineStatusClosesAfterAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	}))
	defer srv.Close()

	t.Setenv("SYNC_SERVICE_URL", srv.URL)

	handle, err := localdb.Connect(localdb.Endpoint{DatabaseName: "abort-test"})
	require.NoError(t, err)
	defer handle.Close()

	engine := newHTTPEngine(Params{
		DatabaseName: "abort-test",
		Channel:      &fakeRequester{credentials: json.RawMessage(`{}`)},
		Handle:       handle,
		Logger:       logging.NewLogger(),
	})

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Abort(context.Background()))

	select {
	case _, ok := <-engine.Status():
		require.False(t, ok, "status channel should close once the engine is aborted")
	case <-time.After(2 * time.Second):
		t.Fatal("expected status channel to close after abort")
	}
}
