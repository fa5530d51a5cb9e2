package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/super-flat/flock/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBroker(t *testing.T) {
	t.Run("fan out to every subscriber in push order", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		conn1 := broker.Connect()
		conn2 := broker.Connect()
		defer conn1.Destroy()
		defer conn2.Destroy()

		sub1, err := conn1.Subscriber(ctx)
		require.NoError(t, err)
		sub2, err := conn2.Subscriber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, broker.Subscribers())

		pusher, err := conn1.Pusher(ctx)
		require.NoError(t, err)
		require.NoError(t, pusher.Push(ctx, wrapperspb.String("a")))
		require.NoError(t, pusher.Push(ctx, wrapperspb.String("b")))

		for _, sub := range []messaging.Subscriber{sub1, sub2} {
			for _, expected := range []string{"a", "b"} {
				action, err := sub.Receive(ctx)
				require.NoError(t, err)
				assert.Equal(t, expected, action.(*wrapperspb.StringValue).GetValue())
			}
		}
	})
	t.Run("receive honors cancellation", func(t *testing.T) {
		broker := NewBroker()
		conn := broker.Connect()
		defer conn.Destroy()
		sub, err := conn.Subscriber(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = sub.Receive(ctx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
	t.Run("destroy releases once and closes sockets", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		conn := broker.Connect()
		sub, err := conn.Subscriber(ctx)
		require.NoError(t, err)
		pusher, err := conn.Pusher(ctx)
		require.NoError(t, err)

		conn.Destroy()
		conn.Destroy()
		assert.Equal(t, 2, conn.DestroyCalls())
		assert.Equal(t, 1, conn.Releases())
		assert.Zero(t, broker.Subscribers())

		_, err = sub.Receive(ctx)
		assert.True(t, errors.Is(err, messaging.ErrClosed))
		assert.True(t, errors.Is(pusher.Push(ctx, wrapperspb.String("late")), messaging.ErrClosed))
		_, err = conn.Subscriber(ctx)
		assert.True(t, errors.Is(err, messaging.ErrClosed))
	})
	t.Run("injected faults", func(t *testing.T) {
		conn := NewBroker().Connect()
		defer conn.Destroy()
		conn.Fault(messaging.ErrPingTimeout)
		select {
		case err := <-conn.Faults():
			assert.True(t, errors.Is(err, messaging.ErrPingTimeout))
		case <-time.After(time.Second):
			t.Fatal("fault not reported")
		}
	})
}
