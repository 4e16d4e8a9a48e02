package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	names := make(chan string, 1)

	Go(context.Background(), "worker-1", func(ctx context.Context) {
		names <- Name(ctx)
	})

	select {
	case n := <-names:
		assert.Equal(t, "worker-1", n)
	case <-time.After(time.Second):
		require.Fail(t, "goroutine did not run")
	}
}

func TestNameWithoutLabel(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil)) //nolint:staticcheck
}
