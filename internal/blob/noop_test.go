package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopStorePutObjectReturnsEmptyURI(t *testing.T) {
	s := NewNoop()
	uri, err := s.PutObject(context.Background(), "jobs/job-1.json", "application/json", []byte("{}"))
	require.NoError(t, err)
	require.Empty(t, uri)
}
