package httpfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/remote"
	"go.uber.org/zap"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type stream struct {
	client     *Client
	collection string
	onBatch    func([]item.Item)
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	isClosed bool
	once     sync.Once
}

// Subscribe opens the push stream for collection. The first dial happens
// synchronously so a bad endpoint is reported to the caller; after that the
// stream reconnects with backoff until closed.
func (c *Client) Subscribe(ctx context.Context, collection string, onBatch func([]item.Item)) (remote.Subscription, error) {
	conn, err := c.dial(ctx, collection)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		client:     c,
		collection: collection,
		onBatch:    onBatch,
		cancel:     cancel,
		done:       make(chan struct{}),
		conn:       conn,
	}
	go s.run(sctx)
	return s, nil
}

func (c *Client) dial(ctx context.Context, collection string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	target := u.String() + c.collectionPath(collection) + "/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return conn, nil
}

func (s *stream) run(ctx context.Context) {
	defer close(s.done)
	backoff := minBackoff
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			s.read(conn)
			backoff = minBackoff
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)

		next, err := s.client.dial(ctx, s.collection)
		if err != nil {
			s.client.logger.Debug("stream reconnect failed", zap.String("collection", s.collection), zap.Error(err))
			s.setConn(nil)
			continue
		}
		if !s.setConn(next) {
			_ = next.Close()
			return
		}
	}
}

func (s *stream) read(conn *websocket.Conn) {
	for {
		var batch []Item
		if err := conn.ReadJSON(&batch); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.client.logger.Debug("stream read ended", zap.String("collection", s.collection), zap.Error(err))
			}
			_ = conn.Close()
			return
		}
		if items := toItems(batch); len(items) > 0 {
			s.onBatch(items)
		}
	}
}

// setConn swaps the live connection; it reports false once the stream is closed.
func (s *stream) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return false
	}
	s.conn = conn
	return true
}

// Close stops delivery and waits for the reader to exit.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.isClosed = true
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
	return nil
}
