package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Create a fake Pub/Sub server.
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "completions")
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "completions", map[string]string{"id": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"id":"abc"}`, string(msgs[0].Data))

	_, err = pub.Publish(ctx, "completions", func() {})
	require.Error(t, err, "unmarshalable payload")

	require.NoError(t, pub.Close())
}

func TestPublisher_Unconfigured(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, New(nil).Close())

	_, err = Dial(context.Background(), "")
	require.Error(t, err)
}
