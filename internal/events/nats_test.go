package events_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/updown-engine/internal/events"
)

// natsURL starts nats:2-alpine and returns its client URL.
func natsURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping nats integration test in short mode")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("docker unavailable: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "nats:2-alpine",
				ExposedPorts: []string{"4222/tcp"},
				WaitingFor:   wait.ForLog("Server is ready"),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate nats container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATSPublisher_PublishesOnTypedSubject(t *testing.T) {
	url := natsURL(t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("updown.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	nc, err := events.ConnectNATS(url, "events-test", zerolog.Nop())
	require.NoError(t, err)
	pub := events.NewNATSPublisher(nc, "", zerolog.Nop())
	defer pub.Close()

	assert.Equal(t, "updown.round.settled", pub.Subject(events.RoundSettled))
	pub.Publish(context.Background(), events.New(events.RoundSettled, "20250815", "", map[string]string{"result": "UP"}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "updown.round.settled", msg.Subject)
		var e events.Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, events.RoundSettled, e.Type)
		assert.Equal(t, "20250815", e.RoundCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
