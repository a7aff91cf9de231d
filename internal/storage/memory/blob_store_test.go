package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "reports/crawl_job-1.csv", "text/csv", strings.NewReader("a,b\n"))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/crawl_job-1.csv", uri)

	body, contentType, ok := store.Object("reports/crawl_job-1.csv")
	require.True(t, ok)
	require.Equal(t, "a,b\n", string(body))
	require.Equal(t, "text/csv", contentType)

	body[0] = 'X'
	again, _, _ := store.Object("reports/crawl_job-1.csv")
	require.Equal(t, "a,b\n", string(again), "Object must return a copy")
	require.Equal(t, []string{"reports/crawl_job-1.csv"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
