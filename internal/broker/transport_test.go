package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentListener accepts connections and never answers.
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var accepted []net.Conn
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, conn)
			mu.Unlock()
		}
	}()
	return l
}

func TestHandshakeDialSetsDeadline(t *testing.T) {
	t.Parallel()

	l := silentListener(t)
	dial := handshakeDial(context.Background(), 50*time.Millisecond)

	conn, err := dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestDialAMQPGivesUpOnSilentBroker(t *testing.T) {
	t.Parallel()

	l := silentListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := DialAMQP(ctx, fmt.Sprintf("amqp://guest:guest@%s/", l.Addr()), amqp.Config{})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
