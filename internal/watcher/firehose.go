package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/store"
)

// firehoseFrame is the subset of a repo-commit frame the Watcher needs.
// Binary, non-decodable frames are dropped before this type is ever
// reached; this struct describes the textual frames that carry a sequence
// number and/or a commit.
type firehoseFrame struct {
	Seq         *int64          `json:"seq,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Collection  string          `json:"collection,omitempty"`
	RecordKey   string          `json:"recordKey,omitempty"`
	AuthorityID string          `json:"authorityId,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	ContentHash string          `json:"contentHash,omitempty"`
}

// firehoseSource connects to the authoritative PDS's binary-framed
// WebSocket. Non-decodable frames are ignored; textual frames are parsed
// as JSON and a sequence number, if present, is committed to the Cursor
// Store under key "firehose" so a reconnect resumes from that point.
type firehoseSource struct {
	url       string
	changeLog *store.Store
	log       logx.Logger
}

func (f *firehoseSource) Name() string { return "firehose" }

// probe performs a throwaway dial to decide, at Watcher startup, whether
// Firehose mode is viable before falling back to Polling.
func (f *firehoseSource) probe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.dialURL(ctx), nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (f *firehoseSource) dialURL(ctx context.Context) string {
	u := f.url
	if f.changeLog == nil {
		return u
	}
	cursor, ok, err := f.changeLog.GetCursor(ctx, "firehose")
	if err != nil || !ok {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%scursor=%d", u, sep, cursor)
}

func (f *firehoseSource) Run(ctx context.Context, emit func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.dialURL(ctx), nil)
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
			continue // binary repo-commit frames are consumed best-effort and dropped
		}
		var frame firehoseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // non-decodable textual frame
		}
		if frame.Seq != nil && f.changeLog != nil {
			if err := f.changeLog.SetCursor(ctx, "firehose", *frame.Seq); err != nil {
				f.log.Error("firehose: persist cursor", "error", err)
			}
		}
		if frame.Operation == "" {
			continue
		}
		emit(Event{
			Op:          Op(frame.Operation),
			Collection:  frame.Collection,
			RecordKey:   frame.RecordKey,
			AuthorityID: frame.AuthorityID,
			ContentHash: frame.ContentHash,
			Body:        frame.Body,
		})
	}
}
