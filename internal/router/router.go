package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/metrics"
	"github.com/unitylab/unity-coordinator/internal/protocol"
)

var (
	// ErrTimeout is returned when a request exhausts its retries without
	// receiving a response.
	ErrTimeout = errors.New("router: request timed out")
	// ErrNotRunning is returned for sends before Start or after Shutdown.
	ErrNotRunning = errors.New("router: not running")
)

// Config holds message router configuration.
type Config struct {
	ChannelPrefix     string         `mapstructure:"channel_prefix"`
	MaxQueueSize      int            `mapstructure:"max_queue_size"`
	OverflowPolicy    OverflowPolicy `mapstructure:"overflow_policy"`
	DefaultTimeout    time.Duration  `mapstructure:"default_timeout"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
}

func (c *Config) applyDefaults() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "unity"
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = DropNewest
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

type officeState struct {
	id         string
	officeType string
	handler    protocol.Handler
	queue      *boundedQueue
}

// pendingFuture holds the rendezvous channel for one in-flight request.
// Ownership of the map entry decides the race between response arrival and
// timeout: whoever deletes the entry wins, the loser is a no-op.
type pendingFuture struct {
	ch chan *protocol.Message
}

// Router carries inter-office traffic over the broker: per-office channels,
// a broadcast channel, request/response correlation, and heartbeats.
type Router struct {
	cfg    Config
	broker *broker.Broker
	logger *zap.Logger

	mu      sync.RWMutex
	offices map[string]*officeState
	pending map[string]*pendingFuture

	sub      *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	hbReload chan struct{}
}

// New constructs a router; call Start before sending.
func New(cfg Config, b *broker.Broker, logger *zap.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:      cfg,
		broker:   b,
		logger:   logger,
		offices:  make(map[string]*officeState),
		pending:  make(map[string]*pendingFuture),
		hbReload: make(chan struct{}, 1),
	}
}

// Start subscribes to the system channels and launches the listener and
// heartbeat loops. They run until Shutdown.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.broker.Subscribe(ctx, r.broadcastChannel(), r.heartbeatChannel())
	r.running = true

	r.wg.Add(2)
	go r.listen(ctx)
	go r.heartbeatLoop(ctx)

	r.logger.Info("Message router started",
		zap.String("prefix", r.cfg.ChannelPrefix),
		zap.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
	)
	return nil
}

// Shutdown stops the background loops and closes the subscription. Errors
// from teardown are logged, not raised.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	sub := r.sub
	r.mu.Unlock()

	cancel()
	if err := sub.Close(); err != nil {
		r.logger.Warn("Closing subscription failed", zap.Error(err))
	}
	r.wg.Wait()
	r.logger.Info("Message router stopped")
}

// RegisterOffice creates the office's inbound queue, subscribes to its
// channel, and announces it online. Registration is idempotent: repeating
// it refreshes the handler without touching the queue.
func (r *Router) RegisterOffice(ctx context.Context, officeID, officeType string, handler protocol.Handler) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if st, ok := r.offices[officeID]; ok {
		st.officeType = officeType
		st.handler = handler
		r.mu.Unlock()
		return nil
	}
	r.offices[officeID] = &officeState{
		id:         officeID,
		officeType: officeType,
		handler:    handler,
		queue:      newBoundedQueue(r.cfg.MaxQueueSize, r.cfg.OverflowPolicy),
	}
	sub := r.sub
	r.mu.Unlock()

	if err := sub.Subscribe(ctx, r.officeChannel(officeID)); err != nil {
		r.mu.Lock()
		delete(r.offices, officeID)
		r.mu.Unlock()
		return fmt.Errorf("subscribe office channel: %w", err)
	}
	metrics.RegisteredOffices.Set(float64(r.officeCount()))

	r.logger.Info("Office registered",
		zap.String("office_id", officeID),
		zap.String("office_type", officeType),
	)
	return r.BroadcastNotification(ctx, "system", "office_online", map[string]interface{}{
		"office_id":   officeID,
		"office_type": officeType,
		"timestamp":   float64(time.Now().UnixNano()) / float64(time.Second),
	}, protocol.PriorityNormal)
}

// UnregisterOffice drops the office's queue, handler, and subscription,
// then announces it offline. Unknown offices are a no-op.
func (r *Router) UnregisterOffice(ctx context.Context, officeID string) error {
	r.mu.Lock()
	_, ok := r.offices[officeID]
	if ok {
		delete(r.offices, officeID)
	}
	sub := r.sub
	running := r.running
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if running {
		if err := sub.Unsubscribe(ctx, r.officeChannel(officeID)); err != nil {
			r.logger.Warn("Unsubscribe failed", zap.String("office_id", officeID), zap.Error(err))
		}
	}
	metrics.RegisteredOffices.Set(float64(r.officeCount()))
	metrics.OfficeQueueDepth.DeleteLabelValues(officeID)

	r.logger.Info("Office unregistered", zap.String("office_id", officeID))
	return r.BroadcastNotification(ctx, "system", "office_offline", map[string]interface{}{
		"office_id": officeID,
	}, protocol.PriorityNormal)
}

// SendMessage publishes msg to its target office channel, or to the
// broadcast channel when the target is empty. When waitForResponse is set
// and the message is a REQUEST, the call blocks until a RESPONSE with the
// matching correlation arrives or the timeout elapses; timeouts re-send
// the message up to MaxRetries before surfacing ErrTimeout.
func (r *Router) SendMessage(ctx context.Context, msg *protocol.Message, waitForResponse bool, timeout time.Duration) (*protocol.Message, error) {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	r.trackMessage(ctx, msg)

	if !waitForResponse || msg.Type != protocol.TypeRequest {
		return nil, r.publish(ctx, msg)
	}

	for {
		fut := &pendingFuture{ch: make(chan *protocol.Message, 1)}
		r.mu.Lock()
		r.pending[msg.ID] = fut
		r.mu.Unlock()
		metrics.PendingResponses.Inc()

		if err := r.publish(ctx, msg); err != nil {
			r.removePending(msg.ID)
			return nil, err
		}

		timer := time.NewTimer(timeout)
		select {
		case resp := <-fut.ch:
			timer.Stop()
			return resp, nil
		case <-ctx.Done():
			timer.Stop()
			r.removePending(msg.ID)
			return nil, ctx.Err()
		case <-timer.C:
			if !r.removePending(msg.ID) {
				// Lost the race: the response arrived as the timer fired
				// and is already in flight to the channel.
				return <-fut.ch, nil
			}
			if msg.RetryCount >= msg.MaxRetries {
				metrics.RequestTimeouts.Inc()
				return nil, fmt.Errorf("no response for message %s after %d retries: %w",
					msg.ID, msg.RetryCount, ErrTimeout)
			}
			msg.RetryCount++
			metrics.RequestRetries.Inc()
			r.logger.Debug("Request timed out, retrying",
				zap.String("message_id", msg.ID),
				zap.Int("retry_count", msg.RetryCount),
			)
		}
	}
}

// SendRequest sends an action request to an office and waits for the
// response.
func (r *Router) SendRequest(ctx context.Context, sender, target, action string, params map[string]interface{}, priority protocol.Priority, timeout time.Duration) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeRequest, sender, target, map[string]interface{}{
		"action": action,
		"params": params,
	})
	msg.Priority = priority
	msg.RequireAck = true
	return r.SendMessage(ctx, msg, true, timeout)
}

// SendResponse replies to a request, preserving its correlation and
// reversing its routing. Failures are sent as ERROR messages.
func (r *Router) SendResponse(ctx context.Context, request *protocol.Message, data map[string]interface{}, success bool) error {
	msgType := protocol.TypeResponse
	if !success {
		msgType = protocol.TypeError
	}
	resp := protocol.NewMessage(msgType, request.TargetOffice, request.SenderOffice, data)
	resp.Priority = request.Priority
	resp.CorrelationID = request.ID
	_, err := r.SendMessage(ctx, resp, false, 0)
	return err
}

// BroadcastNotification delivers a fire-and-forget event to every office
// queue. It resolves no future.
func (r *Router) BroadcastNotification(ctx context.Context, sender, eventType string, data map[string]interface{}, priority protocol.Priority) error {
	msg := protocol.NewMessage(protocol.TypeBroadcast, sender, "", map[string]interface{}{
		"event_type": eventType,
		"data":       data,
	})
	msg.Priority = priority
	_, err := r.SendMessage(ctx, msg, false, 0)
	return err
}

// Dequeue pops the oldest queued message for an office.
func (r *Router) Dequeue(officeID string) (*protocol.Message, bool) {
	r.mu.RLock()
	st, ok := r.offices[officeID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	msg, ok := st.queue.Pop()
	if ok {
		metrics.OfficeQueueDepth.WithLabelValues(officeID).Set(float64(st.queue.Len()))
	}
	return msg, ok
}

// QueueDepth reports the inbound queue depth for an office; -1 if the
// office is not registered.
func (r *Router) QueueDepth(officeID string) int {
	r.mu.RLock()
	st, ok := r.offices[officeID]
	r.mu.RUnlock()
	if !ok {
		return -1
	}
	return st.queue.Len()
}

// Offices lists the IDs of currently registered offices.
func (r *Router) Offices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.offices))
	for id := range r.offices {
		ids = append(ids, id)
	}
	return ids
}

// SetHeartbeatInterval applies a new heartbeat interval to the running
// loop. Non-positive values are ignored.
func (r *Router) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	changed := r.cfg.HeartbeatInterval != d
	r.cfg.HeartbeatInterval = d
	r.mu.Unlock()
	if !changed {
		return
	}
	select {
	case r.hbReload <- struct{}{}:
	default:
	}
}

func (r *Router) heartbeatInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.HeartbeatInterval
}

// SetQueueLimit rebounds every office queue and queues created by later
// registrations. Shrinking never evicts; queues drain below the new
// limit through Pop and the overflow policy.
func (r *Router) SetQueueLimit(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.MaxQueueSize = n
	for _, st := range r.offices {
		st.queue.SetLimit(n)
	}
	r.mu.Unlock()
}

// MessageStats returns the durable sent/received counters for an office.
func (r *Router) MessageStats(ctx context.Context, officeID string) (sent, received int64, err error) {
	if sent, err = r.broker.CounterField(ctx, r.metricsKey(), officeID+":sent"); err != nil {
		return 0, 0, err
	}
	received, err = r.broker.CounterField(ctx, r.metricsKey(), officeID+":received")
	return sent, received, err
}

func (r *Router) publish(ctx context.Context, msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	channel := r.broadcastChannel()
	if msg.TargetOffice != "" {
		channel = r.officeChannel(msg.TargetOffice)
	}
	if msg.Type == protocol.TypeHeartbeat {
		channel = r.heartbeatChannel()
	}
	return r.broker.Publish(ctx, channel, data)
}

func (r *Router) trackMessage(ctx context.Context, msg *protocol.Message) {
	metrics.MessagesSent.WithLabelValues(string(msg.Type), msg.SenderOffice).Inc()
	if err := r.broker.IncrField(ctx, r.metricsKey(), msg.SenderOffice+":sent"); err != nil {
		r.logger.Debug("Counter update failed", zap.Error(err))
	}
	if msg.TargetOffice != "" {
		if err := r.broker.IncrField(ctx, r.metricsKey(), msg.TargetOffice+":received"); err != nil {
			r.logger.Debug("Counter update failed", zap.Error(err))
		}
	}
}

func (r *Router) listen(ctx context.Context) {
	defer r.wg.Done()
	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.process(ctx, []byte(m.Payload))
		}
	}
}

func (r *Router) process(ctx context.Context, data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		r.logger.Warn("Dropping malformed message", zap.Error(err))
		return
	}
	if msg.Expired(time.Now()) {
		metrics.MessagesDropped.WithLabelValues(msg.TargetOffice, "expired").Inc()
		return
	}

	// RESPONSE messages resolve the pending future; a stale or duplicate
	// correlation is dropped silently.
	if msg.Type == protocol.TypeResponse && msg.CorrelationID != "" {
		if !r.resolveResponse(msg) {
			r.logger.Debug("Dropping response with no pending request",
				zap.String("correlation_id", msg.CorrelationID),
			)
		}
		return
	}

	if msg.TargetOffice != "" {
		r.mu.RLock()
		st, ok := r.offices[msg.TargetOffice]
		r.mu.RUnlock()
		if !ok {
			metrics.MessagesDropped.WithLabelValues(msg.TargetOffice, "unknown_office").Inc()
			return
		}
		r.dispatch(ctx, st, msg)
		r.enqueue(st, msg)
		return
	}

	if msg.Type == protocol.TypeBroadcast {
		r.mu.RLock()
		states := make([]*officeState, 0, len(r.offices))
		for _, st := range r.offices {
			states = append(states, st)
		}
		r.mu.RUnlock()
		for _, st := range states {
			r.enqueue(st, msg)
		}
	}
}

// dispatch invokes the office handler for the message type. Handler errors
// and panics are logged and contained; they never crash the listener.
func (r *Router) dispatch(ctx context.Context, st *officeState, msg *protocol.Message) {
	if st.handler == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panicked",
				zap.String("office_id", st.id),
				zap.String("message_type", string(msg.Type)),
				zap.Any("panic", rec),
			)
		}
	}()

	var err error
	switch msg.Type {
	case protocol.TypeRequest:
		err = st.handler.HandleRequest(ctx, msg)
	case protocol.TypeNotification:
		err = st.handler.HandleNotification(ctx, msg)
	case protocol.TypeWorkflow:
		err = st.handler.HandleWorkflow(ctx, msg)
	case protocol.TypeMemoryShare:
		err = st.handler.HandleMemoryShare(ctx, msg)
	case protocol.TypeError:
		err = st.handler.HandleError(ctx, msg)
	default:
		return
	}
	if err != nil {
		r.logger.Warn("Handler failed",
			zap.String("office_id", st.id),
			zap.String("message_type", string(msg.Type)),
			zap.Error(err),
		)
	}
}

func (r *Router) enqueue(st *officeState, msg *protocol.Message) {
	if dropped := st.queue.Push(msg); dropped != nil {
		metrics.MessagesDropped.WithLabelValues(st.id, "queue_full").Inc()
		if dropped == msg {
			return
		}
	}
	metrics.MessagesDelivered.WithLabelValues(st.id).Inc()
	metrics.OfficeQueueDepth.WithLabelValues(st.id).Set(float64(st.queue.Len()))
}

func (r *Router) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.hbReload:
			ticker.Reset(r.heartbeatInterval())
		case <-ticker.C:
			r.mu.RLock()
			states := make([]*officeState, 0, len(r.offices))
			for _, st := range r.offices {
				states = append(states, st)
			}
			r.mu.RUnlock()
			for _, st := range states {
				hb := protocol.NewMessage(protocol.TypeHeartbeat, st.id, "", map[string]interface{}{
					"timestamp":  float64(time.Now().UnixNano()) / float64(time.Second),
					"queue_size": st.queue.Len(),
				})
				metrics.OfficeQueueDepth.WithLabelValues(st.id).Set(float64(st.queue.Len()))
				if err := r.publish(ctx, hb); err != nil {
					r.logger.Debug("Heartbeat publish failed",
						zap.String("office_id", st.id),
						zap.Error(err),
					)
					continue
				}
				metrics.HeartbeatsSent.Inc()
			}
		}
	}
}

func (r *Router) resolveResponse(msg *protocol.Message) bool {
	r.mu.Lock()
	fut, ok := r.pending[msg.CorrelationID]
	if ok {
		delete(r.pending, msg.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	metrics.PendingResponses.Dec()
	fut.ch <- msg
	return true
}

// removePending deletes the future for id, reporting whether this caller
// won the entry. The loser must not touch the channel.
func (r *Router) removePending(id string) bool {
	r.mu.Lock()
	_, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		metrics.PendingResponses.Dec()
	}
	return ok
}

func (r *Router) officeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.offices)
}

func (r *Router) officeChannel(id string) string {
	return r.cfg.ChannelPrefix + ":office:" + id
}

func (r *Router) broadcastChannel() string {
	return r.cfg.ChannelPrefix + ":system:broadcast"
}

func (r *Router) heartbeatChannel() string {
	return r.cfg.ChannelPrefix + ":system:heartbeat"
}

func (r *Router) metricsKey() string {
	return r.cfg.ChannelPrefix + ":metrics:messages"
}

func (r *Router) workflowKey(id string) string {
	return r.cfg.ChannelPrefix + ":workflow:" + id
}
