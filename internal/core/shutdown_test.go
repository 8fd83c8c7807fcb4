package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdown_RunsInReverseOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, nil)

	var order []string
	gs.Register("first", func() error { order = append(order, "first"); return nil })
	gs.Register("second", func() error { order = append(order, "second"); return errors.New("boom") })
	gs.Register("third", func() error { order = append(order, "third"); return nil })

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)

	// hooks run once
	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	gs := NewGracefulShutdown(20*time.Millisecond, nil)
	release := make(chan struct{})
	defer close(release)

	gs.Register("stuck", func() error {
		<-release
		return nil
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosedResource))
}
