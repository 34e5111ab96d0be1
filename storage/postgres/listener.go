package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// ChangePayload is the notification body fired when an operation is
// archived. It carries identity only; followers fetch the operation
// itself through Store.Operations.
type ChangePayload struct {
	Seq         int64     `json:"seq"`
	OperationID string    `json:"operation_id"`
	DocumentID  string    `json:"document_id"`
	Kind        string    `json:"kind"`
	AuthorID    string    `json:"author_id"`
	Channel     string    `json:"channel,omitempty"` // Only present in global notifications
	ArchivedAt  time.Time `json:"archived_at"`
}

// ChangeHandler is a function type for handling incoming change notifications
type ChangeHandler func(payload ChangePayload) error

// SubscriptionManager manages subscriptions to PostgreSQL LISTEN/NOTIFY channels
type SubscriptionManager struct {
	subscriptions map[string][]ChangeHandler
	mu            stdSync.RWMutex
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: make(map[string][]ChangeHandler),
	}
}

// Subscribe adds a handler for a specific channel
func (sm *SubscriptionManager) Subscribe(channel string, handler ChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.subscriptions[channel] = append(sm.subscriptions[channel], handler)
}

// Unsubscribe removes handlers for a specific channel
func (sm *SubscriptionManager) Unsubscribe(channel string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.subscriptions, channel)
}

// GetChannels returns all subscribed channels
func (sm *SubscriptionManager) GetChannels() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	channels := make([]string, 0, len(sm.subscriptions))
	for channel := range sm.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// HandleNotification processes an incoming notification
func (sm *SubscriptionManager) HandleNotification(channel string, payload string) error {
	sm.mu.RLock()
	handlers, exists := sm.subscriptions[channel]
	sm.mu.RUnlock()

	if !exists {
		return nil // No handlers for this channel
	}

	var change ChangePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}

	for _, handler := range handlers {
		if err := handler(change); err != nil {
			return fmt.Errorf("handler error for channel %s: %w", channel, err)
		}
	}

	return nil
}

// ChangeListener manages PostgreSQL LISTEN/NOTIFY connections for
// streaming archived operations in real time.
type ChangeListener struct {
	connectionString string
	logger           *log.Logger

	// Connection management
	listener *pq.Listener
	mu       stdSync.RWMutex
	closed   int32 // atomic

	// Subscription management
	subscriptions *SubscriptionManager

	// Configuration
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	notificationTimeout  time.Duration

	// Channels for coordination
	done chan struct{}
}

// NewChangeListener creates a new PostgreSQL change listener
func NewChangeListener(connectionString string, logger *log.Logger) (*ChangeListener, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[ChangeListener] ", log.LstdFlags)
	}

	cl := &ChangeListener{
		connectionString:     connectionString,
		logger:               logger,
		subscriptions:        NewSubscriptionManager(),
		reconnectInterval:    5 * time.Second,
		maxReconnectAttempts: 10,
		notificationTimeout:  30 * time.Second,
		done:                 make(chan struct{}),
	}

	cl.listener = pq.NewListener(
		connectionString,
		cl.reconnectInterval,
		cl.notificationTimeout,
		cl.eventCallback,
	)

	return cl, nil
}

// eventCallback handles pq.Listener events
func (cl *ChangeListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		cl.logger.Printf("Connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		cl.logger.Printf("Disconnected from PostgreSQL: %v", err)
	case pq.ListenerEventReconnected:
		cl.logger.Printf("Reconnected to PostgreSQL")
		// Re-subscribe to all channels after reconnection
		cl.resubscribeAllChannels()
	case pq.ListenerEventConnectionAttemptFailed:
		cl.logger.Printf("Connection attempt failed: %v", err)
	}
}

// resubscribeAllChannels re-subscribes to all channels after reconnection
func (cl *ChangeListener) resubscribeAllChannels() {
	channels := cl.subscriptions.GetChannels()
	for _, channel := range channels {
		if err := cl.listener.Listen(channel); err != nil {
			cl.logger.Printf("Failed to re-subscribe to channel %s: %v", channel, err)
		} else {
			cl.logger.Printf("Re-subscribed to channel: %s", channel)
		}
	}
}

// Start begins listening for notifications
func (cl *ChangeListener) Start(ctx context.Context) error {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}

	cl.logger.Printf("Starting change listener...")

	go cl.listenLoop(ctx)
	return nil
}

// listenLoop is the main loop that processes notifications
func (cl *ChangeListener) listenLoop(ctx context.Context) {
	defer cl.logger.Printf("Change listener stopped")

	for {
		select {
		case <-ctx.Done():
			cl.logger.Printf("Context cancelled, stopping listener")
			return
		case <-cl.done:
			cl.logger.Printf("Listener closed, stopping listen loop")
			return
		case notification := <-cl.listener.Notify:
			if notification != nil {
				cl.handleNotification(notification)
			}
		case <-time.After(90 * time.Second):
			// Send a ping to keep the connection alive
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Printf("Ping failed: %v", err)
				}
			}()
		}
	}
}

// handleNotification processes a single notification
func (cl *ChangeListener) handleNotification(notification *pq.Notification) {
	if notification == nil {
		return
	}

	cl.logger.Printf("Received notification on channel %s: %s", notification.Channel, notification.Extra)

	if err := cl.subscriptions.HandleNotification(notification.Channel, notification.Extra); err != nil {
		cl.logger.Printf("Error handling notification: %v", err)
	}
}

// SubscribeToDocument subscribes to archived operations for one document
func (cl *ChangeListener) SubscribeToDocument(documentID string, handler ChangeHandler) error {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}

	channel := fmt.Sprintf("doc_%s", documentID)

	cl.subscriptions.Subscribe(channel, handler)

	if err := cl.listener.Listen(channel); err != nil {
		// Remove from subscription manager if PostgreSQL subscription failed
		cl.subscriptions.Unsubscribe(channel)
		return fmt.Errorf("failed to listen to channel %s: %w", channel, err)
	}

	cl.logger.Printf("Subscribed to document: %s", documentID)
	return nil
}

// SubscribeToAll subscribes to all archived operations via the global channel
func (cl *ChangeListener) SubscribeToAll(handler ChangeHandler) error {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}

	channel := "operations_global"

	cl.subscriptions.Subscribe(channel, handler)

	if err := cl.listener.Listen(channel); err != nil {
		cl.subscriptions.Unsubscribe(channel)
		return fmt.Errorf("failed to listen to global channel: %w", err)
	}

	cl.logger.Printf("Subscribed to global operations channel")
	return nil
}

// SubscribeToKind subscribes to archived operations of one kind across
// all documents. Implemented by subscribing to the global channel and
// filtering by kind.
func (cl *ChangeListener) SubscribeToKind(kind string, handler ChangeHandler) error {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}

	filteringHandler := func(payload ChangePayload) error {
		if payload.Kind == kind {
			return handler(payload)
		}
		return nil // Skip operations of other kinds
	}

	return cl.SubscribeToAll(filteringHandler)
}

// UnsubscribeFromDocument unsubscribes from a specific document
func (cl *ChangeListener) UnsubscribeFromDocument(documentID string) error {
	channel := fmt.Sprintf("doc_%s", documentID)

	cl.subscriptions.Unsubscribe(channel)

	if err := cl.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("failed to unlisten from channel %s: %w", channel, err)
	}

	cl.logger.Printf("Unsubscribed from document: %s", documentID)
	return nil
}

// UnsubscribeFromAll unsubscribes from the global operations channel
func (cl *ChangeListener) UnsubscribeFromAll() error {
	channel := "operations_global"

	cl.subscriptions.Unsubscribe(channel)

	if err := cl.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("failed to unlisten from global channel: %w", err)
	}

	cl.logger.Printf("Unsubscribed from global operations channel")
	return nil
}

// GetActiveChannels returns a list of currently subscribed channels
func (cl *ChangeListener) GetActiveChannels() []string {
	return cl.subscriptions.GetChannels()
}

// IsConnected returns true if the listener is connected to PostgreSQL
func (cl *ChangeListener) IsConnected() bool {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return false
	}

	// Use ping to check connectivity
	return cl.listener.Ping() == nil
}

// Close shuts down the change listener
func (cl *ChangeListener) Close() error {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return nil // Already closed
	}

	cl.logger.Printf("Closing change listener...")

	// Signal the listen loop to stop
	close(cl.done)

	if cl.listener != nil {
		if err := cl.listener.Close(); err != nil {
			cl.logger.Printf("Error closing pq.Listener: %v", err)
			return err
		}
	}

	cl.logger.Printf("Change listener closed")
	return nil
}

// WithReconnectSettings allows customizing reconnection behavior
func (cl *ChangeListener) WithReconnectSettings(interval time.Duration, maxAttempts int) *ChangeListener {
	cl.reconnectInterval = interval
	cl.maxReconnectAttempts = maxAttempts
	return cl
}

// WithNotificationTimeout allows customizing the notification timeout
func (cl *ChangeListener) WithNotificationTimeout(timeout time.Duration) *ChangeListener {
	cl.notificationTimeout = timeout
	return cl
}

// ChangeFeedStore extends Store with real-time subscription helpers.
type ChangeFeedStore struct {
	*Store
}

// NewChangeFeedStore creates a Store with the change feed started on
// first subscription.
func NewChangeFeedStore(config *Config) (*ChangeFeedStore, error) {
	store, err := New(config)
	if err != nil {
		return nil, err
	}

	return &ChangeFeedStore{
		Store: store,
	}, nil
}

// SubscribeToDocument subscribes to real-time changes for one document
func (cs *ChangeFeedStore) SubscribeToDocument(ctx context.Context, documentID string, handler func(ChangePayload) error) error {
	if err := cs.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return cs.listener.SubscribeToDocument(documentID, handler)
}

// SubscribeToAll subscribes to all real-time changes
func (cs *ChangeFeedStore) SubscribeToAll(ctx context.Context, handler func(ChangePayload) error) error {
	if err := cs.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return cs.listener.SubscribeToAll(handler)
}

// SubscribeToKind subscribes to changes of a specific operation kind
func (cs *ChangeFeedStore) SubscribeToKind(ctx context.Context, kind string, handler func(ChangePayload) error) error {
	if err := cs.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return cs.listener.SubscribeToKind(kind, handler)
}

// GetActiveSubscriptions returns information about active subscriptions
func (cs *ChangeFeedStore) GetActiveSubscriptions() []string {
	return cs.listener.GetActiveChannels()
}

// IsListenerConnected returns true if the change listener is connected
func (cs *ChangeFeedStore) IsListenerConnected() bool {
	return cs.listener.IsConnected()
}
