package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/protocol"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way
	}
	b := broker.NewWithClient(client, zap.NewNop())
	r := New(cfg, b, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Shutdown)
	return r, client
}

// dequeueEvent polls an office queue until a broadcast with the wanted
// event type shows up, skipping lifecycle noise like office_online.
func dequeueEvent(t *testing.T, r *Router, officeID, eventType string) *protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("no %q event for office %s", eventType, officeID)
			return nil
		default:
		}
		msg, ok := r.Dequeue(officeID)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if msg.Type == protocol.TypeBroadcast && msg.Payload["event_type"] == eventType {
			return msg
		}
	}
}

func TestSendMessageNotRunning(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := New(Config{}, broker.NewWithClient(client, zap.NewNop()), zap.NewNop())
	_, err = r.SendMessage(context.Background(), protocol.NewMessage(protocol.TypeNotification, "eve", "zen", nil), false, 0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRegisterOfficeIdempotent(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))
	assert.Equal(t, []string{"eve"}, r.Offices())

	require.NoError(t, r.UnregisterOffice(ctx, "eve"))
	assert.Empty(t, r.Offices())

	// Unregistering twice is a no-op
	require.NoError(t, r.UnregisterOffice(ctx, "eve"))
}

func TestFireAndForgetDoesNotBlock(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", protocol.BaseHandler{}))

	done := make(chan struct{})
	go func() {
		msg := protocol.NewMessage(protocol.TypeNotification, "eve", "zen", map[string]interface{}{"k": "v"})
		_, err := r.SendMessage(ctx, msg, false, 0)
		assert.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget send blocked")
	}

	require.Eventually(t, func() bool {
		msg, ok := r.Dequeue("zen")
		return ok && msg.Type == protocol.TypeNotification
	}, 3*time.Second, 10*time.Millisecond)
}

type echoHandler struct {
	protocol.BaseHandler
	r *Router
}

func (h *echoHandler) HandleRequest(ctx context.Context, msg *protocol.Message) error {
	return h.r.SendResponse(ctx, msg, map[string]interface{}{"echo": msg.Payload["action"]}, true)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", &echoHandler{r: r}))

	resp, err := r.SendRequest(ctx, "eve", "zen", "meditate", map[string]interface{}{"minutes": 5}, protocol.PriorityNormal, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, "zen", resp.SenderOffice)
	assert.Equal(t, "eve", resp.TargetOffice)
	assert.Equal(t, "meditate", resp.Payload["echo"])
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestRequestTimeoutExhaustsRetries(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "mute", "silent", protocol.BaseHandler{}))

	msg := protocol.NewMessage(protocol.TypeRequest, "eve", "mute", map[string]interface{}{"action": "speak"})
	msg.MaxRetries = 1
	_, err := r.SendMessage(ctx, msg, true, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	// The retried send reuses the same message, bumping its count
	assert.Equal(t, 1, msg.RetryCount)
}

func TestRequestCancelledByContext(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	require.NoError(t, r.RegisterOffice(context.Background(), "mute", "silent", protocol.BaseHandler{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	msg := protocol.NewMessage(protocol.TypeRequest, "eve", "mute", nil)
	_, err := r.SendMessage(ctx, msg, true, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroadcastReachesEveryOffice(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", protocol.BaseHandler{}))

	require.NoError(t, r.BroadcastNotification(ctx, "system", "lights_out", map[string]interface{}{"floor": 3}, protocol.PriorityLow))

	for _, officeID := range []string{"eve", "zen"} {
		msg := dequeueEvent(t, r, officeID, "lights_out")
		data, ok := msg.Payload["data"].(map[string]interface{})
		require.True(t, ok)
		assert.EqualValues(t, 3, data["floor"])
	}
}

func TestStaleResponseDroppedSilently(t *testing.T) {
	r, client := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))

	// A response nobody is waiting for must not reach any queue
	stale := protocol.NewMessage(protocol.TypeResponse, "zen", "eve", map[string]interface{}{"late": true})
	stale.CorrelationID = "long-gone"
	data, err := stale.Marshal()
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "unity:office:eve", data).Err())

	// A follow-up notification on the same channel still arrives, which
	// proves the listener survived the stale response
	note := protocol.NewMessage(protocol.TypeNotification, "zen", "eve", map[string]interface{}{"n": 1})
	data, err = note.Marshal()
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "unity:office:eve", data).Err())

	require.Eventually(t, func() bool {
		msg, ok := r.Dequeue("eve")
		if !ok {
			return false
		}
		require.Equal(t, protocol.TypeNotification, msg.Type)
		return true
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := r.Dequeue("eve")
	assert.False(t, ok)
}

func TestExpiredMessageDropped(t *testing.T) {
	r, client := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))

	old := protocol.NewMessage(protocol.TypeNotification, "zen", "eve", nil)
	old.Timestamp -= 1000 // well past the default TTL
	data, err := old.Marshal()
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "unity:office:eve", data).Err())

	fresh := protocol.NewMessage(protocol.TypeNotification, "zen", "eve", map[string]interface{}{"fresh": true})
	data, err = fresh.Marshal()
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "unity:office:eve", data).Err())

	require.Eventually(t, func() bool {
		msg, ok := r.Dequeue("eve")
		if !ok {
			return false
		}
		require.Equal(t, fresh.ID, msg.ID)
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHeartbeatLoopEmitsPerOffice(t *testing.T) {
	r, client := newTestRouter(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	ctx := context.Background()

	sub := client.Subscribe(ctx, "unity:system:heartbeat")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))

	select {
	case m := <-sub.Channel():
		var hb protocol.Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &hb))
		assert.Equal(t, protocol.TypeHeartbeat, hb.Type)
		assert.Equal(t, "eve", hb.SenderOffice)
		assert.Contains(t, hb.Payload, "queue_size")
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestMessageStatsCounters(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", protocol.BaseHandler{}))

	for i := 0; i < 3; i++ {
		msg := protocol.NewMessage(protocol.TypeNotification, "eve", "zen", nil)
		_, err := r.SendMessage(ctx, msg, false, 0)
		require.NoError(t, err)
	}

	sent, _, err := r.MessageStats(ctx, "eve")
	require.NoError(t, err)
	assert.EqualValues(t, 3, sent)
	_, received, err := r.MessageStats(ctx, "zen")
	require.NoError(t, err)
	assert.EqualValues(t, 3, received)
}

func TestSetHeartbeatIntervalRearmsLoop(t *testing.T) {
	// Default test interval is an hour, so any heartbeat seen here came
	// from the re-armed ticker.
	r, client := newTestRouter(t, Config{})
	ctx := context.Background()

	sub := client.Subscribe(ctx, "unity:system:heartbeat")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))
	r.SetHeartbeatInterval(30 * time.Millisecond)

	select {
	case m := <-sub.Channel():
		var hb protocol.Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &hb))
		assert.Equal(t, protocol.TypeHeartbeat, hb.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat after interval change")
	}
}

func TestSetQueueLimitAppliesToRegisteredOffices(t *testing.T) {
	r, _ := newTestRouter(t, Config{MaxQueueSize: 10, OverflowPolicy: DropNewest})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", nil))

	r.SetQueueLimit(2)
	require.NoError(t, r.BroadcastNotification(ctx, "system", "tick", map[string]interface{}{"n": 1}, protocol.PriorityNormal))
	require.NoError(t, r.BroadcastNotification(ctx, "system", "tick", map[string]interface{}{"n": 2}, protocol.PriorityNormal))
	require.NoError(t, r.BroadcastNotification(ctx, "system", "tick", map[string]interface{}{"n": 3}, protocol.PriorityNormal))

	require.Eventually(t, func() bool {
		return r.QueueDepth("eve") == 2
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, r.QueueDepth("eve"))
}

func TestCounterFailureDoesNotStarveReceived(t *testing.T) {
	r, client := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", protocol.BaseHandler{}))

	// Poison the sender's counter field so its HINCRBY fails.
	require.NoError(t, client.HSet(ctx, "unity:metrics:messages", "eve:sent", "not-a-number").Err())

	msg := protocol.NewMessage(protocol.TypeNotification, "eve", "zen", nil)
	_, err := r.SendMessage(ctx, msg, false, 0)
	require.NoError(t, err)

	_, received, err := r.MessageStats(ctx, "zen")
	require.NoError(t, err)
	assert.EqualValues(t, 1, received)
}
