// Package negotiationtest runs minimal in-process schedulers and workers on
// loopback TCP so that the client side can be tested end to end.
package negotiationtest

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"tbx.at/ccoffload"
)

// serve runs actor behind a fresh loopback listener until the test ends.
func serve(t testing.TB, actor *ccoffload.Actor) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ccoffload.ListenNet(ctx, listener, actor)
	})
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		defer actor.Close()
		return actor.ProcessMessages(ctx)
	})
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})
	return listener.Addr().String()
}
