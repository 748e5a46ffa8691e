package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/chris-pardy/avaast/internal/subscription"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// sseConn adapts one SSE response to the Subscription Manager's transport-
// neutral Conn contract (spec.md §4.N) and to the Router's narrower
// SubscribeConn (spec.md §4.L): it satisfies both, so the same value can be
// handed to Router.Subscribe and, underneath, to subscription.Manager.Attach.
//
// Framing follows spec.md §6: an immediate "connected" frame naming the
// subscriber, then one "notification" frame per delivered record change.
type sseConn struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	closed    bool
	closeOnce sync.Once
	closeCh   chan struct{}
	onCloseCb func()
}

// newSSEConn writes the SSE response headers and the initial connected
// frame, then returns the live connection.
func newSSEConn(c *gin.Context, subscriberID string) (*sseConn, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &sseConn{w: c.Writer, flusher: flusher, closeCh: make(chan struct{})}
	if err := conn.writeFrame("connected", map[string]string{"subscriberId": subscriberID}, ""); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *sseConn) writeFrame(event string, data any, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xrpc.New(xrpc.KindInternalServerError, "gateway: write to closed subscription stream")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: encode subscription frame")
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\nid: %s\n\n", event, payload, id); err != nil {
			return xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: write subscription frame")
		}
	} else if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: write subscription frame")
	}
	s.flusher.Flush()
	return nil
}

// Send delivers one subscription.Frame as an SSE notification, using the
// frame's timestamp as the event id.
func (s *sseConn) Send(data any) error {
	id := ""
	if f, ok := data.(subscription.Frame); ok {
		id = strconv.FormatInt(f.Timestamp.UnixMilli(), 10)
	}
	return s.writeFrame("notification", data, id)
}

// Close marks the stream closed and fires the registered close callback
// exactly once, however it was triggered (explicit Close, or run detecting
// client disconnect).
func (s *sseConn) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cb := s.onCloseCb
		s.mu.Unlock()
		close(s.closeCh)
		if cb != nil {
			cb()
		}
	})
	return nil
}

func (s *sseConn) closeQuietly() {
	_ = s.Close()
}

// OnClose registers the callback the Subscription Manager uses to detach a
// dead subscriber (spec.md §4.N "Subscriber removal is driven by the
// connection's close signal").
func (s *sseConn) OnClose(cb func()) {
	s.mu.Lock()
	s.onCloseCb = cb
	s.mu.Unlock()
}

// run blocks the request goroutine for the life of the stream: until the
// client disconnects (ctx.Done, gin/net/http's standard signal) or the
// connection is closed from elsewhere (a delivery failure).
func (s *sseConn) run(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.closeQuietly()
	case <-s.closeCh:
	}
}
