package provider

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// DecodeFunc parses one SSE data payload for a specific wire dialect.
// It returns the text delta (possibly empty) and whether the payload was
// the dialect's terminal event. ok=false means the payload was not
// understood and the line is skipped; malformed keep-alive lines are
// tolerated, not fatal.
type DecodeFunc func(data string) (delta string, done bool, ok bool)

// StreamEvents pumps an SSE body into a channel of chunks. It owns the
// body and closes it on every exit path. Contract:
//
//   - only lines terminated by '\n' are parsed; bufio buffers partials
//   - lines prefixed "data: " carry events; "event:" and blank lines are
//     skipped
//   - a literal [DONE] payload or a dialect terminal event yields exactly
//     one Done chunk and ends the stream
//   - EOF without a terminal event synthesizes the Done chunk rather than
//     leaving the sequence unterminated
//   - a mid-stream read failure surfaces as a NETWORK_ERROR chunk and is
//     never retried
func StreamEvents(ctx context.Context, providerName string, body io.ReadCloser, decode DecodeFunc) <-chan *Chunk {
	ch := make(chan *Chunk)

	go func() {
		defer close(ch)
		defer body.Close()

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, &Chunk{Done: true})
				} else {
					emit(ctx, ch, &Chunk{Err: networkError(providerName, err)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				// Blank separators, "event:" lines and comments carry no payload.
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				emit(ctx, ch, &Chunk{Done: true})
				return
			}

			delta, done, ok := decode(data)
			if !ok {
				continue
			}
			if done {
				emit(ctx, ch, &Chunk{Done: true})
				return
			}
			if delta != "" {
				if !emit(ctx, ch, &Chunk{Content: delta}) {
					return
				}
			}
		}
	}()

	return ch
}

func emit(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
