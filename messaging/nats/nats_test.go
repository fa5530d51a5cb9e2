package nats

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/super-flat/flock/messaging"
)

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: dynaport.Get(1)[0],
	})
	require.NoError(t, err)

	ready := make(chan bool)
	go func() {
		ready <- true
		serv.Start()
	}()
	<-ready

	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	return serv
}

func testConfig(serv *natsserver.Server) Config {
	return Config{
		URL:                 serv.ClientURL(),
		Name:                "flock-test",
		Subject:             "flock.test",
		PingInterval:        50 * time.Millisecond,
		MaxPingsOutstanding: 2,
		MaxReconnects:       1,
		ConnectRetries:      2,
	}
}

func TestConn(t *testing.T) {
	t.Run("push and receive through the broker", func(t *testing.T) {
		serv := startNatsServer(t)
		defer serv.Shutdown()

		ctx := context.Background()
		cfg := testConfig(serv)
		cfg.Compression = true
		conn, err := Connect(ctx, cfg)
		require.NoError(t, err)
		defer conn.Destroy()

		sub, err := conn.Subscriber(ctx)
		require.NoError(t, err)
		defer sub.Close()
		pusher, err := conn.Pusher(ctx)
		require.NoError(t, err)
		defer pusher.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, pusher.Push(ctx, wrapperspb.String(fmt.Sprintf("action-%d", i))))
		}

		recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for i := 0; i < 3; i++ {
			action, err := sub.Receive(recvCtx)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("action-%d", i), action.(*wrapperspb.StringValue).GetValue())
		}
	})
	t.Run("a backlog is kept until the process receives it", func(t *testing.T) {
		serv := startNatsServer(t)
		defer serv.Shutdown()

		ctx := context.Background()
		conn, err := Connect(ctx, testConfig(serv))
		require.NoError(t, err)
		defer conn.Destroy()

		sub, err := conn.Subscriber(ctx)
		require.NoError(t, err)
		defer sub.Close()

		const producers, perProducer = 4, 500
		g, gctx := errgroup.WithContext(ctx)
		for p := 0; p < producers; p++ {
			g.Go(func() error {
				pusher, err := conn.Pusher(gctx)
				if err != nil {
					return err
				}
				defer pusher.Close()
				for i := 0; i < perProducer; i++ {
					if err := pusher.Push(gctx, wrapperspb.Int32(int32(p*perProducer+i))); err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.NoError(t, conn.nc.Flush())

		recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		seen := make(map[int32]bool, producers*perProducer)
		for len(seen) < producers*perProducer {
			action, err := sub.Receive(recvCtx)
			require.NoError(t, err)
			seen[action.(*wrapperspb.Int32Value).GetValue()] = true
		}
		select {
		case err := <-conn.Faults():
			t.Fatalf("unexpected fault: %v", err)
		default:
		}
	})
	t.Run("broker loss is reported as a ping timeout", func(t *testing.T) {
		serv := startNatsServer(t)

		conn, err := Connect(context.Background(), testConfig(serv))
		require.NoError(t, err)
		defer conn.Destroy()

		serv.Shutdown()

		select {
		case err := <-conn.Faults():
			assert.True(t, errors.Is(err, messaging.ErrPingTimeout))
		case <-time.After(5 * time.Second):
			t.Fatal("liveness fault not reported")
		}
	})
	t.Run("destroy closes the sockets", func(t *testing.T) {
		serv := startNatsServer(t)
		defer serv.Shutdown()

		ctx := context.Background()
		conn, err := Connect(ctx, testConfig(serv))
		require.NoError(t, err)
		sub, err := conn.Subscriber(ctx)
		require.NoError(t, err)
		pusher, err := conn.Pusher(ctx)
		require.NoError(t, err)

		raw := conn.dialer.current()
		require.NotNil(t, raw)

		conn.Destroy()
		conn.Destroy()

		// the session socket was reset by Destroy itself
		_, err = raw.Write([]byte("PING\r\n"))
		assert.ErrorIs(t, err, net.ErrClosed)
		_, err = conn.dialer.Dial("tcp", serv.Addr().String())
		assert.True(t, errors.Is(err, messaging.ErrClosed))

		_, err = sub.Receive(ctx)
		assert.True(t, errors.Is(err, messaging.ErrClosed))
		assert.True(t, errors.Is(pusher.Push(ctx, wrapperspb.String("late")), messaging.ErrClosed))
		_, err = conn.Subscriber(ctx)
		assert.True(t, errors.Is(err, messaging.ErrClosed))
		select {
		case err := <-conn.Faults():
			t.Fatalf("unexpected fault after destroy: %v", err)
		default:
		}
	})
	t.Run("unreachable broker", func(t *testing.T) {
		cfg := Config{
			URL:            fmt.Sprintf("nats://127.0.0.1:%d", dynaport.Get(1)[0]),
			ConnectRetries: 1,
		}
		conn, err := Connect(context.Background(), cfg)
		require.Error(t, err)
		assert.Nil(t, conn)
	})
}
