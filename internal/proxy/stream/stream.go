// Package stream re-frames an incremental upstream Gemini SSE stream into the
// caller's wire format. Each upstream unit is decoded, lifted into a canonical
// chunk, handed to a format-specific framer and flushed immediately; nothing
// is buffered beyond the frame currently being assembled.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
)

// Event is one outbound SSE frame. Name is empty for formats that only use
// data lines (OpenAI, Gemini); Claude sets it to the event type.
type Event struct {
	Name string
	Data []byte
}

// Framer turns canonical stream chunks into outbound frames for one wire
// format. Frame is called once per upstream unit in arrival order; Finish is
// called exactly once after the upstream stream ends and must emit the
// terminal frame carrying the finish reason.
type Framer interface {
	Frame(chunk *mappers.StreamChunk) ([]Event, error)
	Finish() ([]Event, error)
}

// scanner buffer bounds: Gemini inline-data chunks can run well past the
// default 64KB token limit.
const (
	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 8 * 1024 * 1024
)

// Transcode pumps the upstream SSE body through the framer, calling emit for
// every outbound frame as soon as it is ready. It returns when the upstream
// stream ends, the context is cancelled, or emit fails. Malformed upstream
// units are skipped, matching the reference behavior.
func Transcode(ctx context.Context, body io.Reader, framer Framer, emit func(Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	seq := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, ok := cutSSEData(scanner.Text())
		if !ok {
			continue
		}

		chunk, err := mappers.GeminiChunkToCanonical(unwrapEnvelope(data), seq)
		if err != nil {
			log.Printf("⚠️ Skipping malformed stream unit #%d: %v", seq, err)
			continue
		}
		seq++

		events, err := framer.Frame(chunk)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// Finish still runs: with no finish reason recorded the framer
		// reports the stream as aborted.
		log.Printf("⚠️ Upstream stream read error after %d units: %v", seq, err)
	}

	events, err := framer.Finish()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func cutSSEData(line string) ([]byte, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
	if !ok {
		return nil, false
	}
	data := strings.TrimSpace(rest)
	if data == "" || data == "[DONE]" {
		return nil, false
	}
	return []byte(data), true
}

// unwrapEnvelope strips the Cloud Code {"response": ...} wrapper when
// present; public-API chunks arrive bare.
func unwrapEnvelope(data []byte) []byte {
	var wrapped struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Response) > 0 {
		return wrapped.Response
	}
	return data
}
