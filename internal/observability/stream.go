package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/events/bus"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// streamFrame is one message sent to SSE and WebSocket subscribers.
type streamFrame struct {
	name string
	data interface{}
}

// chatEvent is the wire shape of one replayed or live FCMP event.
type chatEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// ServeEvents streams a run's conversation over SSE: a snapshot frame, a
// replay of FCMP events after cursor, then the live tail with heartbeats.
// An end frame is sent once the run is terminal.
func (s *Service) ServeEvents(ctx context.Context, w http.ResponseWriter, runID string, cursor int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by the response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: the server's WriteTimeout must not apply.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	send := func(frame streamFrame) error {
		raw, err := json.Marshal(frame.data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.name, raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	return s.streamRun(ctx, runID, cursor, send, func() error {
		_, err := w.Write([]byte(":keepalive\n\n"))
		if err == nil {
			flusher.Flush()
		}
		return err
	})
}

// streamRun drives the snapshot/replay/live-tail sequence through the given
// send callbacks. Shared by the SSE and WebSocket transports.
func (s *Service) streamRun(ctx context.Context, runID string, cursor int64, send func(streamFrame) error, keepalive func() error) error {
	// Subscribe before replaying so no event can fall between replay and
	// the live tail; duplicates are filtered by seq.
	live := make(chan *bus.Event, 64)
	sub, err := s.bus.Subscribe(bus.BuildRunEventsSubject(runID), func(ctx context.Context, event *bus.Event) error {
		select {
		case live <- event:
		default:
			s.logger.Warn("stream subscriber lagging, dropping event",
				zap.String("run_id", runID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	snapshot, err := s.Snapshot(ctx, runID)
	if err != nil {
		return err
	}
	if err := send(streamFrame{name: "snapshot", data: snapshot}); err != nil {
		return err
	}

	lastSeq := cursor
	replay, err := s.store.ListEvents(ctx, runID, v1.EventQuery{
		Stream:  v1.StreamFCMP,
		Attempt: snapshot.Attempt,
		FromSeq: cursor + 1,
	})
	if err != nil {
		return err
	}
	for _, ev := range replay {
		if err := send(streamFrame{name: "chat_event", data: chatEvent{
			Seq: ev.Seq, Type: ev.Type, TS: ev.TS, Attempt: ev.Attempt, Payload: ev.Payload,
		}}); err != nil {
			return err
		}
		lastSeq = ev.Seq
	}

	if snapshot.Status.IsTerminal() {
		return send(streamFrame{name: "end", data: map[string]interface{}{
			"status": snapshot.Status,
		}})
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := keepalive(); err != nil {
				return nil
			}

		case event := <-live:
			ev, ok := decodeBusEvent(event)
			if !ok {
				continue
			}
			if ev.Stream == string(v1.StreamFCMP) && ev.Seq > lastSeq {
				if err := send(streamFrame{name: "chat_event", data: chatEvent{
					Seq: ev.Seq, Type: event.Type, TS: ev.TS, Attempt: ev.Attempt, Payload: ev.Payload,
				}}); err != nil {
					return err
				}
				lastSeq = ev.Seq
			}
			if event.Type == "lifecycle.run.terminal" {
				status := v1.RunStatusFailed
				var terminal struct {
					Status v1.RunStatus `json:"status"`
				}
				if json.Unmarshal(ev.Payload, &terminal) == nil && terminal.Status != "" {
					status = terminal.Status
				}
				return send(streamFrame{name: "end", data: map[string]interface{}{
					"status": status,
				}})
			}
		}
	}
}

// busEventData is the normalized payload of one bus event.
type busEventData struct {
	Stream  string
	Seq     int64
	Attempt int
	TS      time.Time
	Payload json.RawMessage
}

// decodeBusEvent tolerates both in-memory delivery (native Go types) and
// NATS delivery (JSON round-trip turning numbers into float64).
func decodeBusEvent(event *bus.Event) (busEventData, bool) {
	out := busEventData{TS: event.Timestamp}
	stream, _ := event.Data["stream"].(string)
	if stream == "" {
		return out, false
	}
	out.Stream = stream
	out.Seq = asInt64(event.Data["seq"])
	out.Attempt = int(asInt64(event.Data["attempt"]))

	switch payload := event.Data["payload"].(type) {
	case json.RawMessage:
		out.Payload = payload
	case string:
		out.Payload = json.RawMessage(payload)
	case map[string]interface{}:
		raw, err := json.Marshal(payload)
		if err != nil {
			return out, false
		}
		out.Payload = raw
	default:
		out.Payload = json.RawMessage(`{}`)
	}
	if ts, ok := event.Data["ts"].(time.Time); ok {
		out.TS = ts
	}
	return out, true
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
