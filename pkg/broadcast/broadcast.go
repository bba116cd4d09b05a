// Package broadcast is the out-of-process invalidation channel between
// horizontally-scaled hub replicas. In-memory sync state is per process;
// when the policy version advances, every replica hears about it here and
// drops its cached view.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types carried on the channel.
const (
	TypePolicyInvalidate = "policy_invalidate"
	TypeSpokeRevoked     = "spoke_revoked"
)

// Message is one broadcast event.
type Message struct {
	Type      string    `json:"type"`
	Version   string    `json:"version,omitempty"`
	SpokeID   string    `json:"spoke_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber owns the write side of one connection. Every outbound frame
// goes through the send channel so only the writer goroutine ever touches
// the conn; gorilla/websocket allows at most one concurrent writer.
type subscriber struct {
	conn *websocket.Conn
	send chan Message
}

// Broadcaster fans broadcast messages out to every subscribed replica over
// websocket connections.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler upgrades subscriber connections. Mount it on the hub's internal
// HTTP mux.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("Failed to upgrade broadcast subscriber", zap.Error(err))
			return
		}

		sub := &subscriber{conn: conn, send: make(chan Message, 256)}

		b.mu.Lock()
		b.subs[sub] = struct{}{}
		count := len(b.subs)
		b.mu.Unlock()

		b.logger.Info("Broadcast subscriber connected",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Int("subscribers", count))

		go b.writeLoop(sub)
		go b.readLoop(sub)
	}
}

// writeLoop drains the subscriber's send channel onto the wire. It exits
// when dropLocked closes the channel or a write fails.
func (b *Broadcaster) writeLoop(sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.send {
		if err := sub.conn.WriteJSON(msg); err != nil {
			b.logger.Debug("Dropping dead broadcast subscriber",
				zap.String("remote", sub.conn.RemoteAddr().String()),
				zap.Error(err))
			b.drop(sub)
			return
		}
	}
}

// readLoop drains the connection so close frames are processed;
// subscribers never send application data.
func (b *Broadcaster) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			b.drop(sub)
			return
		}
	}
}

// Publish queues a message for every subscriber. A subscriber whose buffer
// is full is treated as dead and dropped; delivery is best effort.
func (b *Broadcaster) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.send <- msg:
		default:
			b.logger.Debug("Dropping slow broadcast subscriber",
				zap.String("remote", sub.conn.RemoteAddr().String()))
			b.dropLocked(sub)
		}
	}
}

// Close disconnects all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		b.dropLocked(sub)
	}
}

func (b *Broadcaster) drop(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub)
}

// dropLocked removes a subscriber and closes its send channel. Publish
// sends under the same mutex, so the close can never race a send.
func (b *Broadcaster) dropLocked(sub *subscriber) {
	if _, exists := b.subs[sub]; exists {
		delete(b.subs, sub)
		close(sub.send)
		sub.conn.Close()
	}
}

// Subscribe connects to a broadcaster endpoint and invokes onMessage for
// every received event until the context is cancelled or the connection
// drops.
func Subscribe(ctx context.Context, url string, onMessage func(Message), logger *zap.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		onMessage(msg)
	}
}
