package events

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// ndjsonLine is the engine's line-oriented event protocol: one JSON
// object per line. Front-ends key off the message field ("request_enqueued",
// "provider_unavailable", ...) and read detail from metadata.
type ndjsonLine struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
}

// StreamNDJSON subscribes to the bus and writes one JSON line per event
// to w until ctx is canceled. Encoding errors end the stream; a closed
// pipe means nobody is listening anymore.
func StreamNDJSON(ctx context.Context, bus *Bus, w io.Writer) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(encodeLine(e)); err != nil {
				return
			}
		}
	}
}

// encodeLine converts a bus event to the wire shape. The source moves
// into metadata so the top-level type stays "engine" for every line,
// matching what front-ends expect.
func encodeLine(e Event) ndjsonLine {
	md := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		md[k] = v
	}
	md["source"] = e.Source

	return ndjsonLine{
		Type:      "engine",
		Message:   e.Kind,
		Metadata:  md,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	}
}
