package llms

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// sseDone marks the OpenAI-style end-of-stream sentinel.
var sseDone = []byte("[DONE]")

// readSSE reads server-sent events from body and delivers each event's data
// payload to emit. Per the SSE framing rules an event is a group of lines
// terminated by a blank line; multiple data: lines concatenate with
// newlines. Comment lines (":") and non-data fields are skipped. Returns
// io.EOF-free on [DONE] or end of body.
//
// emit is called synchronously, so a slow consumer stalls the body read;
// the transport never buffers ahead of the consumer.
func readSSE(ctx context.Context, body io.Reader, emit func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data [][]byte

	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := bytes.Join(data, []byte("\n"))
		data = data[:0]
		if bytes.Equal(bytes.TrimSpace(payload), sseDone) {
			return errSSEDone
		}
		return emit(payload)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()

		if len(line) == 0 {
			if err := flush(); err != nil {
				if err == errSSEDone {
					return nil
				}
				return err
			}
			continue
		}

		if line[0] == ':' {
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			rest = bytes.TrimPrefix(rest, []byte(" "))
			buf := make([]byte, len(rest))
			copy(buf, rest)
			data = append(data, buf)
		}
		// event:, id:, retry: fields carry no chat payload for the providers
		// we speak to; ignored.
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	// Stream ended without a blank line after the last event.
	if err := flush(); err != nil && err != errSSEDone {
		return err
	}
	return nil
}

var errSSEDone = fmt.Errorf("sse: done")
