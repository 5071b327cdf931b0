package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskgate/internal/config"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestConnect_EmptyURLIsNop(t *testing.T) {
	p, err := Connect(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{Type: PairCreated}))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("gov.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(config.EventsConfig{NATSURL: server.ClientURL(), SubjectPrefix: "gov."}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = p.Publish(context.Background(), Event{Type: TaskReleased, TaskID: "7", ReviewTaskID: "6", Verdict: "approved"})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "gov.task.released", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, TaskReleased, got.Type)
		assert.Equal(t, "7", got.TaskID)
		assert.Equal(t, "approved", got.Verdict)
		assert.False(t, got.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}

	require.NoError(t, p.Close())
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	p := NewNATSPublisher(nc, "", nil)
	defer p.Close()

	assert.Equal(t, "taskgate.pair.created", p.Subject(PairCreated))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: PairCreated}), context.Canceled)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.EventsConfig{NATSURL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
