// Package redis provides a Redis pub/sub implementation of the
// collab-kit Transport interface. Envelopes are published on a
// per-document channel under a configurable prefix and received via a
// pattern subscription, so a single transport carries every document
// an engine hosts. Session presence is kept in Redis sets keyed by
// document so Participants works across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	stdSync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	collabErrors "github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Operation constants for consistent error reporting
const (
	opBroadcast    = "redis.Broadcast"
	opSubscribe    = "redis.Subscribe"
	opParticipants = "redis.Participants"
)

const transportComponent = "redis-transport"

// ErrTransportClosed is returned by every method after Close.
var ErrTransportClosed = errors.New("transport is closed")

// ErrAlreadySubscribed is returned when Subscribe is called twice; a
// transport carries exactly one inbound handler.
var ErrAlreadySubscribed = errors.New("transport already subscribed")

// Config holds connection settings for the Redis transport.
//
// Production-ready defaults are applied by DefaultConfig() including
// dial/read/write timeouts, retry counts, and pool sizing.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username is the Redis 6.0+ ACL username. Optional.
	Username string

	// Password authenticates the connection. Optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// ChannelPrefix namespaces the pub/sub channels and presence keys
	// so several deployments can share one Redis server. Defaults to
	// "collabkit".
	ChannelPrefix string

	// Timeout settings for network operations.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRetries is the command retry count before reporting failure.
	MaxRetries int

	// Connection pool settings.
	PoolSize     int
	MinIdleConns int
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "collabkit"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(addr string) *Config {
	config := &Config{Addr: addr}
	config.setDefaults()
	return config
}

// frame wraps an envelope with the publishing instance's origin tag.
// Redis pub/sub echoes publications back to every subscriber including
// the publisher, so subscribers use the tag to drop their own
// messages.
type frame struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// Transport implements collabkit.Transport on Redis pub/sub.
type Transport struct {
	client *redis.Client
	prefix string
	origin string
	logger *logging.Logger

	mu      stdSync.RWMutex
	handler func(*wire.Envelope)
	pubsub  *redis.PubSub
	closed  bool

	done chan struct{}
	wg   stdSync.WaitGroup
}

// Compile-time check that Transport satisfies the Transport interface
var _ collabkit.Transport = (*Transport)(nil)

// New connects to Redis and returns a Transport. The connection is
// verified with a ping before the transport is handed out.
func New(config *Config) (*Transport, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.Addr == "" {
		return nil, fmt.Errorf("Addr is required")
	}

	logger := logging.WithComponent(logging.Component(transportComponent))
	logger.InfoContext(context.Background(), "Connecting to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
		slog.String("channel_prefix", config.ChannelPrefix),
	)

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	t := &Transport{
		client: client,
		prefix: config.ChannelPrefix,
		origin: uuid.NewString(),
		logger: logger,
		done:   make(chan struct{}),
	}

	logger.InfoContext(context.Background(), "Redis transport initialized")
	return t, nil
}

// NewWithAddr is a convenience constructor using DefaultConfig.
func NewWithAddr(addr string) (*Transport, error) {
	return New(DefaultConfig(addr))
}

func (t *Transport) channel(documentID string) string {
	return t.prefix + ":doc:" + documentID
}

func (t *Transport) pattern() string {
	return t.prefix + ":doc:*"
}

func (t *Transport) presenceKey(documentID string) string {
	return t.prefix + ":presence:" + documentID
}

func (t *Transport) guard() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

// Broadcast publishes the envelope on the document's channel. Join and
// leave envelopes also update the document's presence set so
// Participants reflects the session across replicas.
func (t *Transport) Broadcast(ctx context.Context, env *wire.Envelope) error {
	if err := t.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opBroadcast, transportComponent, collabErrors.KindNetwork)
	}
	if err := wire.Validate(env); err != nil {
		return collabErrors.NewValidationError(collabErrors.OpBroadcast, err)
	}

	raw, err := wire.Encode(env)
	if err != nil {
		return collabErrors.NewValidationError(collabErrors.OpBroadcast, err)
	}
	payload, err := json.Marshal(frame{Origin: t.origin, Envelope: raw})
	if err != nil {
		return collabErrors.WrapOpComponentKind(err, opBroadcast, transportComponent, collabErrors.KindNetwork)
	}

	switch env.Kind {
	case wire.KindJoin:
		if env.SenderID != "" {
			if err := t.client.SAdd(ctx, t.presenceKey(env.DocumentID), env.SenderID).Err(); err != nil {
				return collabErrors.WrapOpComponentKind(err, opBroadcast, transportComponent, collabErrors.KindNetwork)
			}
		}
	case wire.KindLeave:
		if env.SenderID != "" {
			if err := t.client.SRem(ctx, t.presenceKey(env.DocumentID), env.SenderID).Err(); err != nil {
				return collabErrors.WrapOpComponentKind(err, opBroadcast, transportComponent, collabErrors.KindNetwork)
			}
		}
	}

	if err := t.client.Publish(ctx, t.channel(env.DocumentID), payload).Err(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opBroadcast, transportComponent, collabErrors.KindNetwork)
	}
	return nil
}

// Subscribe registers the handler and starts the receive loop. A
// transport subscribes once; later calls return ErrAlreadySubscribed.
func (t *Transport) Subscribe(ctx context.Context, handler func(*wire.Envelope)) error {
	if handler == nil {
		return collabErrors.NewValidationError(collabErrors.OpSubscribe, fmt.Errorf("handler cannot be nil"))
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return collabErrors.WrapOpComponentKind(ErrTransportClosed, opSubscribe, transportComponent, collabErrors.KindNetwork)
	}
	if t.handler != nil {
		t.mu.Unlock()
		return collabErrors.WrapOpComponentKind(ErrAlreadySubscribed, opSubscribe, transportComponent, collabErrors.KindNetwork)
	}
	t.handler = handler
	t.mu.Unlock()

	pubsub, err := t.open(ctx)
	if err != nil {
		t.mu.Lock()
		t.handler = nil
		t.mu.Unlock()
		return collabErrors.WrapOpComponentKind(err, opSubscribe, transportComponent, collabErrors.KindNetwork)
	}

	t.mu.Lock()
	t.pubsub = pubsub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(pubsub)
	return nil
}

// open establishes a pattern subscription and waits for the server's
// confirmation before returning it.
func (t *Transport) open(ctx context.Context) (*redis.PubSub, error) {
	pubsub := t.client.PSubscribe(ctx, t.pattern())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

// receiveLoop drains the subscription and dispatches envelopes to the
// handler. The go-redis PubSub reconnects internally; if the channel
// still closes while the transport is live, the loop resubscribes with
// exponential backoff.
func (t *Transport) receiveLoop(pubsub *redis.PubSub) {
	defer t.wg.Done()

	for {
		ch := pubsub.Channel()
	drain:
		for {
			select {
			case <-t.done:
				return
			case msg, ok := <-ch:
				if !ok {
					break drain
				}
				t.dispatch(msg)
			}
		}

		select {
		case <-t.done:
			return
		default:
		}

		next, err := t.resubscribe()
		if err != nil {
			return
		}
		pubsub = next
	}
}

// resubscribe reopens the pattern subscription after a dropped
// connection, retrying with exponential backoff until the transport is
// closed.
func (t *Transport) resubscribe() (*redis.PubSub, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	attempt := 0
	for {
		select {
		case <-t.done:
			return nil, ErrTransportClosed
		case <-time.After(policy.NextBackOff()):
		}

		attempt++
		pubsub, err := t.open(context.Background())
		if err != nil {
			t.logger.WarnContext(context.Background(), "Redis resubscribe failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			pubsub.Close()
			return nil, ErrTransportClosed
		}
		t.pubsub = pubsub
		t.mu.Unlock()

		t.logger.InfoContext(context.Background(), "Redis subscription reestablished",
			slog.Int("attempts", attempt),
		)
		return pubsub, nil
	}
}

// dispatch decodes one pub/sub message and hands the envelope to the
// handler. Malformed payloads and self-published echoes are dropped.
func (t *Transport) dispatch(msg *redis.Message) {
	var f frame
	if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
		t.logger.WarnContext(context.Background(), "Dropping malformed transport frame",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if f.Origin == t.origin {
		return
	}

	env, err := wire.Decode(f.Envelope)
	if err != nil {
		t.logger.WarnContext(context.Background(), "Dropping undecodable envelope",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(env)
	}
}

// Participants returns the participant IDs in the document's presence
// set, sorted for stable output.
func (t *Transport) Participants(ctx context.Context, documentID string) ([]string, error) {
	if err := t.guard(); err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opParticipants, transportComponent, collabErrors.KindNetwork)
	}

	members, err := t.client.SMembers(ctx, t.presenceKey(documentID)).Result()
	if err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opParticipants, transportComponent, collabErrors.KindNetwork)
	}
	sort.Strings(members)
	return members, nil
}

// Ping verifies the Redis connection is alive.
func (t *Transport) Ping(ctx context.Context) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.client.Ping(ctx).Err()
}

// Close shuts down the subscription and releases the client. It is
// safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pubsub := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	close(t.done)
	if pubsub != nil {
		pubsub.Close()
	}
	t.wg.Wait()

	t.logger.InfoContext(context.Background(), "Redis transport closed")
	return t.client.Close()
}
