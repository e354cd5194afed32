// Package natsobj_test tests the NATS object store backend.
package natsobj_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/avatar-service/internal/storage/natsobj"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestStore_UploadDownloadDelete(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := natsobj.New(jetstreamContext, "test-bucket")
	require.NoError(t, err)

	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.wav")
	require.NoError(t, os.WriteFile(src, []byte("hello world, this is a test"), 0o600))

	url, err := store.Upload(ctx, "heygem_data/face2face/temp/a.wav", src)
	require.NoError(t, err)
	require.Equal(t, "nats://test-bucket/heygem_data/face2face/temp/a.wav", url)

	dst := filepath.Join(dir, "nested", "deeper", "a.wav")
	require.NoError(t, store.Download(ctx, "heygem_data/face2face/temp/a.wav", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world, this is a test", string(data))

	require.NoError(t, store.Delete(ctx, "heygem_data/face2face/temp/a.wav"))
	require.NoError(t, store.Delete(ctx, "heygem_data/face2face/temp/a.wav"))
	require.Error(t, store.Download(ctx, "heygem_data/face2face/temp/a.wav", dst))
}

func TestNew_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	_, err = natsobj.New(jetstreamContext, "shared")
	require.NoError(t, err)

	_, err = natsobj.New(jetstreamContext, "shared")
	require.NoError(t, err)
}
