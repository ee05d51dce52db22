package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/telemetry"
)

// HandlerFunc receives messages for a subscription. Handlers run
// concurrently across subscribers and must honor the context deadline.
type HandlerFunc func(ctx context.Context, msg Message) error

// Config controls base bus behavior
type Config struct {
	// MaxHistorySize caps the published-message ring buffer
	MaxHistorySize int

	// DeliveryTimeout bounds each per-subscriber delivery
	DeliveryTimeout time.Duration

	// RequestTimeout is the default wait for Request when the caller
	// passes no explicit timeout
	RequestTimeout time.Duration
}

// DefaultConfig returns the standard base bus configuration
func DefaultConfig() Config {
	return Config{
		MaxHistorySize:  1000,
		DeliveryTimeout: 5 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

// MessageBus is the base in-process bus: topic pub/sub, direct send,
// request/response by correlation id, and a bounded history ring.
//
// Delivery initiation is serialized per publish; handler execution is
// concurrent across subscribers. A failed or timed-out delivery emits a
// delivery:error event and never blocks delivery to other subscribers.
type MessageBus struct {
	cfg       Config
	logger    core.Logger
	events    *telemetry.Emitter
	validator *core.SchemaValidator

	mu      sync.RWMutex
	subs    map[string]map[string]HandlerFunc // topic -> subscriber -> handler
	history []Message
}

// NewMessageBus creates a base bus. Zero-value config fields take
// defaults.
func NewMessageBus(cfg Config, logger core.Logger, events *telemetry.Emitter) (*MessageBus, error) {
	defaults := DefaultConfig()
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = defaults.MaxHistorySize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	validator, err := newEnvelopeValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling envelope schema: %w", err)
	}

	return &MessageBus{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		validator: validator,
		subs:      make(map[string]map[string]HandlerFunc),
	}, nil
}

// Subscribe registers a handler for a subscriber on one or more topics.
// Subscribing the same (subscriber, topic) pair again replaces the
// handler; it never duplicates deliveries.
func (b *MessageBus) Subscribe(subscriber string, handler HandlerFunc, topics ...string) {
	if handler == nil || len(topics) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		byTopic, ok := b.subs[topic]
		if !ok {
			byTopic = make(map[string]HandlerFunc)
			b.subs[topic] = byTopic
		}
		byTopic[subscriber] = handler
	}
}

// Unsubscribe removes a subscriber from the given topics, or from every
// topic when none are named.
func (b *MessageBus) Unsubscribe(subscriber string, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		for topic := range b.subs {
			topics = append(topics, topic)
		}
	}
	for _, topic := range topics {
		if byTopic, ok := b.subs[topic]; ok {
			delete(byTopic, subscriber)
			if len(byTopic) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}

// Publish validates the envelope, records it in history, and delivers to
// every subscriber of the topic. Each delivery has its own timeout; a
// failure is reported via delivery:error and does not affect the rest.
func (b *MessageBus) Publish(ctx context.Context, msg Message) error {
	msg.normalize()
	if err := b.validator.MustValidate(msg); err != nil {
		return err
	}

	b.mu.Lock()
	b.appendHistory(msg)
	handlers := make(map[string]HandlerFunc, len(b.subs[msg.Topic]))
	for subscriber, handler := range b.subs[msg.Topic] {
		handlers[subscriber] = handler
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for subscriber, handler := range handlers {
		wg.Add(1)
		go func(subscriber string, handler HandlerFunc) {
			defer wg.Done()
			b.deliver(ctx, subscriber, handler, msg)
		}(subscriber, handler)
	}
	wg.Wait()
	return nil
}

// Send delivers a message directly to one subscriber. The subscriber must
// have at least one active subscription; the handler for the message's
// topic is preferred, falling back to the subscriber's first handler in
// topic order.
func (b *MessageBus) Send(ctx context.Context, subscriber string, msg Message) error {
	msg.normalize()
	msg.To = subscriber
	if err := b.validator.MustValidate(msg); err != nil {
		return err
	}

	b.mu.Lock()
	handler := b.handlerFor(subscriber, msg.Topic)
	if handler == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", core.ErrUnknownSubscriber, subscriber)
	}
	b.appendHistory(msg)
	b.mu.Unlock()

	b.deliver(ctx, subscriber, handler, msg)
	return nil
}

// Request publishes a request and waits for the first message on
// response.<correlationId>. The transient response subscription is
// removed on resolution or timeout.
func (b *MessageBus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	msg.normalize()
	msg.Type = TypeRequest
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}

	topic := responseTopic(msg.CorrelationID)
	responder := "request." + msg.CorrelationID
	responses := make(chan Message, 1)
	b.Subscribe(responder, func(ctx context.Context, response Message) error {
		select {
		case responses <- response:
		default:
		}
		return nil
	}, topic)
	defer b.Unsubscribe(responder, topic)

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-responses:
		return response, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%w: no response to %s within %s", core.ErrTimeout, msg.ID, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply publishes a response correlated to the original request
func (b *MessageBus) Reply(ctx context.Context, request Message, payload interface{}) error {
	if request.CorrelationID == "" {
		return fmt.Errorf("%w: request %s has no correlation id", core.ErrInvalidMessage, request.ID)
	}
	response := Message{
		ID:            uuid.New().String(),
		Timestamp:     time.Now(),
		Type:          TypeResponse,
		Topic:         responseTopic(request.CorrelationID),
		CorrelationID: request.CorrelationID,
		To:            request.From,
		Payload:       payload,
	}
	return b.Publish(ctx, response)
}

// History returns the retained messages, optionally filtered by topic.
// limit <= 0 returns everything retained, newest last.
func (b *MessageBus) History(topic string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	for _, msg := range b.history {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// deliver runs one handler with the delivery timeout. Handler errors and
// timeouts emit delivery:error.
func (b *MessageBus) deliver(ctx context.Context, subscriber string, handler HandlerFunc, msg Message) {
	dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(dctx, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-dctx.Done():
		err = fmt.Errorf("%w: delivery to %q exceeded %s", core.ErrTimeout, subscriber, b.cfg.DeliveryTimeout)
	}
	if err != nil {
		b.logger.Warn("Message delivery failed", map[string]interface{}{
			"message_id": msg.ID,
			"topic":      msg.Topic,
			"subscriber": subscriber,
			"error":      err.Error(),
		})
		b.events.Emit(telemetry.EventDeliveryError, telemetry.MessageEvent{
			MessageID:  msg.ID,
			Topic:      msg.Topic,
			Subscriber: subscriber,
			Reason:     err.Error(),
		})
		telemetry.Counter("agentcore.bus.delivery_errors", "topic", msg.Topic)
	}
}

// handlerFor picks the direct-send handler for a subscriber. Caller holds
// b.mu.
func (b *MessageBus) handlerFor(subscriber, topic string) HandlerFunc {
	if byTopic, ok := b.subs[topic]; ok {
		if handler, ok := byTopic[subscriber]; ok {
			return handler
		}
	}
	// Fall back to the subscriber's first subscription in topic order so
	// direct sends work for subscribers listening elsewhere.
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		if handler, ok := b.subs[t][subscriber]; ok {
			return handler
		}
	}
	return nil
}

// appendHistory stores a message in the ring. Caller holds b.mu.
func (b *MessageBus) appendHistory(msg Message) {
	b.history = append(b.history, msg)
	if len(b.history) > b.cfg.MaxHistorySize {
		b.history = b.history[len(b.history)-b.cfg.MaxHistorySize:]
	}
}
