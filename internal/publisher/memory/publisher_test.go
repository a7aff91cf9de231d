package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	event := crawler.JobEvent{JobID: "job-1", Kind: crawler.JobKindExtract, Status: crawler.JobStatusFailed}
	id2, err := pub.Publish(context.Background(), "topic-b", event)
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.JSONEq(t, `{"k":"v"}`, string(msgs[0].Data))
	require.Nil(t, msgs[0].Attributes)
	require.Equal(t, "failed", msgs[1].Attributes["status"])
	require.Equal(t, event, msgs[1].Payload)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "topic", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "topic", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
