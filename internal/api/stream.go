package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/events"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

var (
	storePollInterval = time.Second
)

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	err := s.follow(r.Context(), runID, parseAfterSeq(runID, r),
		func(event events.RunEvent) error {
			sendSSE(w, event)
			flusher.Flush()
			return nil
		},
		func() error {
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			return nil
		},
	)
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("event stream ended", "run_id", runID, "error", err)
	}
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprint(w, "event: run_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// streamWebsocket mirrors streamEvents over a websocket. Client messages
// are ignored; closing the socket ends the stream.
func (s *Server) streamWebsocket(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "run_id", runID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	err = s.follow(ctx, runID, parseAfterSeq(runID, r),
		func(event events.RunEvent) error {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return wsjson.Write(writeCtx, conn, event)
		},
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return conn.Ping(pingCtx)
		},
	)
	if err != nil && ctx.Err() == nil {
		conn.Close(websocket.StatusInternalError, "event stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// follow replays stored events after afterSeq, then forwards live broker
// events. The store is polled as well so events emitted by another process
// (a Temporal worker) or dropped by a full subscriber still arrive in order.
func (s *Server) follow(ctx context.Context, runID string, afterSeq int64, emit func(events.RunEvent) error, keepAlive func() error) error {
	var live <-chan events.RunEvent
	if s.broker != nil {
		live = s.broker.Subscribe(ctx, runID)
	}
	catchUp := func() error {
		stored, err := s.store.ListEvents(ctx, runID, afterSeq)
		if err != nil {
			return err
		}
		for _, event := range stored {
			if event.Seq <= afterSeq {
				continue
			}
			if err := emit(events.FromStore(event)); err != nil {
				return err
			}
			afterSeq = event.Seq
		}
		return nil
	}
	if err := catchUp(); err != nil {
		return err
	}

	heartbeat := time.NewTicker(keepAliveInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(storePollInterval)
	defer poll.Stop()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				return ctx.Err()
			}
			if event.Seq <= afterSeq {
				continue
			}
			if event.Seq > afterSeq+1 {
				if err := catchUp(); err != nil {
					return err
				}
				continue
			}
			if err := emit(event); err != nil {
				return err
			}
			afterSeq = event.Seq
		case <-poll.C:
			if err := catchUp(); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := keepAlive(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 {
		return 0
	}
	if parts[0] != runID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
