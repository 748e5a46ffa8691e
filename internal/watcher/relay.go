package watcher

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/chris-pardy/avaast/internal/logx"
)

// relayFrame is the JSON-framed WebSocket shape spec.md §4.C describes;
// only frames with Kind "commit" are translated.
type relayFrame struct {
	Kind        string       `json:"kind"`
	AuthorityID string       `json:"authorityId"`
	TimeUs      int64        `json:"time_us"`
	Commit      *relayCommit `json:"commit,omitempty"`
}

type relayCommit struct {
	Operation   string          `json:"operation"`
	Collection  string          `json:"collection"`
	RecordKey   string          `json:"recordKey"`
	Body        json.RawMessage `json:"body,omitempty"`
	ContentHash string          `json:"contentHash,omitempty"`
}

// relaySource connects to a configured relay's JSON-framed WebSocket.
// Grounded on the teacher's hub/wshub.Client — a bare *websocket.Dialer
// plus a read loop over NextReader/ReadMessage.
type relaySource struct {
	url string
	log logx.Logger
}

func (r *relaySource) Name() string { return "relay" }

func (r *relaySource) Run(ctx context.Context, emit func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Error("relay: undecodable frame", "error", err)
			continue
		}
		if frame.Kind != "commit" || frame.Commit == nil {
			continue
		}
		emit(Event{
			Op:          Op(frame.Commit.Operation),
			Collection:  frame.Commit.Collection,
			RecordKey:   frame.Commit.RecordKey,
			AuthorityID: frame.AuthorityID,
			ContentHash: frame.Commit.ContentHash,
			Body:        frame.Commit.Body,
		})
	}
}
