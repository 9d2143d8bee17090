package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// captureReader passes bytes through unmodified while keeping a copy, so the
// request payload can be parsed once the body has been fully sent upstream.
type captureReader struct {
	r   io.ReadCloser
	buf bytes.Buffer
}

func newCaptureReader(r io.ReadCloser) *captureReader {
	return &captureReader{r: r}
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
	}
	return n, err
}

func (c *captureReader) Close() error { return c.r.Close() }

// Bytes returns everything read so far.
func (c *captureReader) Bytes() []byte { return c.buf.Bytes() }

// streamChunk is the slice of a chat-completions SSE event the meter cares
// about.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// sseAccumulator incrementally parses a server-sent-event stream, collecting
// the concatenated delta content of every event until the terminal [DONE].
// It only buffers the current partial line plus the running concatenation;
// malformed events are skipped so metering never breaks the passthrough.
type sseAccumulator struct {
	pending bytes.Buffer
	content strings.Builder
	done    bool
}

func newSSEAccumulator() *sseAccumulator {
	return &sseAccumulator{}
}

// Feed consumes the next chunk of response bytes.
func (a *sseAccumulator) Feed(p []byte) {
	if a.done {
		return
	}
	a.pending.Write(p)
	for {
		raw := a.pending.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := string(raw[:idx])
		a.pending.Next(idx + 1)
		a.consumeLine(strings.TrimSuffix(line, "\r"))
		if a.done {
			return
		}
	}
}

func (a *sseAccumulator) consumeLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return
	}
	if data == "[DONE]" {
		a.done = true
		return
	}
	var chunk streamChunk
	if errDecode := json.Unmarshal([]byte(data), &chunk); errDecode != nil {
		log.WithError(errDecode).Debug("proxy: skipping unparseable stream event")
		return
	}
	for _, choice := range chunk.Choices {
		a.content.WriteString(choice.Delta.Content)
	}
}

// Content returns the accumulated completion text.
func (a *sseAccumulator) Content() string { return a.content.String() }

// Done reports whether the terminal [DONE] event was seen.
func (a *sseAccumulator) Done() bool { return a.done }
