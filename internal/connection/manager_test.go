package connection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openvine/feedcore/internal/identity"
	"github.com/openvine/feedcore/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		AutoReconnect: true,
		Backoff:       Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
		DialTimeout:   time.Second,
		AckTimeout:    time.Minute,
	}
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitUntilReady(ctx))
}

func TestManagerConnects(t *testing.T) {
	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	require.Equal(t, StateDisconnected, m.State())
	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, factory.DialCount())
	assert.Equal(t, 0, m.ReconnectAttempts())
}

func TestManagerRetriesFailedDial(t *testing.T) {
	factory := transporttest.NewFactory(true)
	factory.FailNext(2, fmt.Errorf("connection refused"))

	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, 1, factory.DialCount())
	assert.Equal(t, 0, m.ReconnectAttempts())
}

func TestManagerSendWithAckResolvesOnOK(t *testing.T) {
	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	m.Connect()
	waitConnected(t, m)

	ch, err := m.SendWithAck(context.Background(), "ev123", []byte(`["EVENT",{}]`))
	require.NoError(t, err)
	require.Equal(t, 1, m.PendingCount())

	factory.Last().Deliver([]byte(`["OK","ev123",true,"stored"]`))

	select {
	case res := <-ch:
		assert.Equal(t, ResultAck, res.Kind)
		assert.True(t, res.Accepted)
		assert.Equal(t, "stored", res.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("ack never delivered")
	}
	assert.Equal(t, 0, m.PendingCount())
}

func TestManagerSendWithAckFailsWhenDisconnected(t *testing.T) {
	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	_, err := m.SendWithAck(context.Background(), "ev123", []byte(`["EVENT",{}]`))
	require.Error(t, err)
	assert.Equal(t, 0, m.PendingCount())
	assert.Equal(t, 0, factory.DialCount())
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	m.Connect()
	waitConnected(t, m)
	first := factory.Last()

	ch, err := m.SendWithAck(context.Background(), "inflight", []byte(`["EVENT",{}]`))
	require.NoError(t, err)

	first.Fail(fmt.Errorf("socket dropped"))

	// The in-flight operation fails with the connection.
	select {
	case res := <-ch:
		assert.Equal(t, ResultClosed, res.Kind)
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending operation never failed")
	}

	require.Eventually(t, func() bool {
		return factory.DialCount() == 2 && m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.PendingCount())
}

func TestManagerHealthCheckFailureTriggersReconnect(t *testing.T) {
	factory := transporttest.NewFactory(false) // never answers pings
	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PingTimeout = 20 * time.Millisecond

	m := NewManager("wss://relay.test", factory, nil, opts)
	defer m.Dispose()

	states := m.States()
	m.Connect()
	waitConnected(t, m)
	first := factory.Last()

	// The unanswered ping escalates to a connection failure and one
	// reconnect attempt.
	require.Eventually(t, func() bool {
		return factory.DialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, first.PingCount(), 1)

	sawDisconnected := false
	for done := false; !done; {
		select {
		case s := <-states:
			if s == StateDisconnected {
				sawDisconnected = true
				done = true
			}
		case <-time.After(2 * time.Second):
			done = true
		}
	}
	assert.True(t, sawDisconnected, "expected a disconnected transition")
}

func TestManagerDisposalFailsAllPending(t *testing.T) {
	factory := transporttest.NewFactory(true)
	opts := testOptions()
	opts.AutoReconnect = false

	m := NewManager("wss://relay.test", factory, nil, opts)
	m.Connect()
	waitConnected(t, m)

	chans := make([]<-chan Result, 0, 3)
	for i := 0; i < 3; i++ {
		ch, err := m.SendWithAck(context.Background(), fmt.Sprintf("op%d", i), []byte(`["EVENT",{}]`))
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	require.Equal(t, 3, m.PendingCount())

	m.Dispose()

	for _, ch := range chans {
		select {
		case res := <-ch:
			assert.Equal(t, ResultDisposed, res.Kind)
			assert.Error(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("disposal result never delivered")
		}
	}
	assert.Equal(t, 0, m.PendingCount())
	assert.Equal(t, StateDisconnected, m.State())

	// Connect after disposal stays inert.
	m.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, factory.DialCount())
}

func TestManagerDisposalFailsReadyWaiters(t *testing.T) {
	factory := transporttest.NewFactory(true)
	factory.FailNext(1000, fmt.Errorf("relay down"))
	opts := testOptions()

	m := NewManager("wss://relay.test", factory, nil, opts)
	m.Connect()

	done := make(chan error, 1)
	go func() {
		done <- m.WaitUntilReady(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	m.Dispose()

	select {
	case err := <-done:
		assert.Error(t, err, "a disposed waiter must not report readiness")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilReady never returned after disposal")
	}
}

func TestManagerAnswersAuthChallenge(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, id, testOptions())
	defer m.Dispose()

	m.Connect()
	waitConnected(t, m)
	conn := factory.Last()

	conn.Deliver([]byte(`["AUTH","challenge-abc123"]`))

	require.Eventually(t, func() bool {
		for _, payload := range conn.Sent() {
			if len(payload) > 7 && string(payload[:7]) == `["AUTH"` {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerDropsMalformedMessages(t *testing.T) {
	factory := transporttest.NewFactory(true)
	m := NewManager("wss://relay.test", factory, nil, testOptions())
	defer m.Dispose()

	m.Connect()
	waitConnected(t, m)

	factory.Last().Deliver([]byte(`not json at all`))
	factory.Last().Deliver([]byte(`["UNKNOWN","x"]`))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, factory.DialCount())
}
