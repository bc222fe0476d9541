package localdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRequiresDatabaseName(t *testing.T) {
	_, err := Connect(Endpoint{Port: "5432"})
	require.Error(t, err)
}

func TestConnectReturnsLiveHandle(t *testing.T) {
	handle, err := Connect(Endpoint{DatabaseName: "mydb", LockName: "lock:mydb"})
	require.NoError(t, err)
	defer handle.Close()

	select {
	case <-handle.Closed():
		t.Fatal("expected handle to be open")
	default:
	}

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close(), "Close must be idempotent")

	select {
	case <-handle.Closed():
	default:
		t.Fatal("expected Closed() to fire after Close()")
	}
}
