package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/opencatd/opencatd/internal/ledger"
	"github.com/opencatd/opencatd/internal/metrics"
	"github.com/opencatd/opencatd/internal/registry"
	"github.com/opencatd/opencatd/internal/tokencount"
)

// MeteredPath is the streaming chat route whose token usage is measured.
const MeteredPath = "/v1/chat/completions"

// flushTimeout bounds the detached usage write after the stream completes.
const flushTimeout = 5 * time.Second

// Proxy forwards authenticated requests to the upstream completion API with
// a randomly selected upstream key, and meters the streaming chat route.
// Metering is a side channel: every byte passes through to the client
// unmodified whether or not counting succeeds.
type Proxy struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	counter   tokencount.Counter
	collector *metrics.Collector
	upstream  *url.URL
	client    *http.Client
}

// New constructs a Proxy targeting the given upstream base URL.
func New(reg *registry.Registry, led *ledger.Ledger, counter tokencount.Counter, collector *metrics.Collector, upstream string) (*Proxy, error) {
	base, errParse := url.Parse(upstream)
	if errParse != nil {
		return nil, fmt.Errorf("proxy: parse upstream %q: %w", upstream, errParse)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("proxy: upstream %q needs scheme and host", upstream)
	}
	return &Proxy{
		registry:  reg,
		ledger:    led,
		counter:   counter,
		collector: collector,
		upstream:  base,
		// No overall timeout: responses stream for as long as the upstream
		// keeps the connection open.
		client: &http.Client{},
	}, nil
}

// Forward relays the request upstream. The member check middleware has
// already validated the bearer token; it is resolved again here to identify
// whose ledger to credit.
func (p *Proxy) Forward(c *gin.Context) {
	ctx := c.Request.Context()

	keys, errKeys := p.registry.ListKeys(ctx)
	if errKeys != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list upstream keys failed"})
		return
	}
	// An empty pool degenerates to an empty credential; the upstream rejects
	// the request itself.
	secret := ""
	if len(keys) > 0 {
		secret = keys[rand.IntN(len(keys))].Key
	}

	member, found, errFind := p.registry.FindMemberByToken(ctx, bearerToken(c.GetHeader("Authorization")))
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve member failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}

	metered := c.Request.URL.Path == MeteredPath

	body := c.Request.Body
	var capture *captureReader
	if metered && body != nil {
		capture = newCaptureReader(body)
		body = capture
	}

	outURL := *p.upstream
	outURL.Path = c.Request.URL.Path
	outURL.RawQuery = c.Request.URL.RawQuery

	req, errReq := http.NewRequestWithContext(ctx, c.Request.Method, outURL.String(), body)
	if errReq != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build upstream request failed"})
		return
	}
	req.Header = c.Request.Header.Clone()
	req.Header.Set("Authorization", "Bearer "+secret)
	req.ContentLength = c.Request.ContentLength
	if metered {
		// The meter must see plain event bytes; let the transport negotiate
		// and decompress its own encoding.
		req.Header.Del("Accept-Encoding")
	}

	resp, errDo := p.client.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warn("proxy: upstream request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Writer.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	header.Set("access-control-allow-origin", "*")
	header.Set("access-control-allow-credentials", "true")

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	p.collector.RecordRequest(routeLabel(metered), status)

	var acc *sseAccumulator
	if metered {
		acc = newSSEAccumulator()
	}
	if !p.relay(c, resp.Body, acc) {
		// Client went away before the upstream body drained; the metering
		// flush never fires and this request's usage is lost.
		return
	}
	if metered {
		p.flushUsage(member.ID, capture, acc)
	}
}

// relay streams the upstream body to the client, feeding the accumulator on
// the way, and reports whether the body was fully drained.
func (p *Proxy) relay(c *gin.Context, upstream io.Reader, acc *sseAccumulator) bool {
	buf := make([]byte, 32*1024)
	for {
		n, errRead := upstream.Read(buf)
		if n > 0 {
			if acc != nil {
				acc.Feed(buf[:n])
			}
			if _, errWrite := c.Writer.Write(buf[:n]); errWrite != nil {
				return false
			}
			c.Writer.Flush()
		}
		if errRead == io.EOF {
			return true
		}
		if errRead != nil {
			log.WithError(errRead).Warn("proxy: upstream stream aborted")
			return false
		}
	}
}

// chatRequest is the slice of the chat payload metering needs.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

// flushUsage counts tokens on both sides of a completed stream and records
// them against the member. Failures only cost accounting, never the
// response, so they are logged and swallowed.
func (p *Proxy) flushUsage(memberID int, capture *captureReader, acc *sseAccumulator) {
	var payload chatRequest
	if capture != nil {
		if errDecode := json.Unmarshal(capture.Bytes(), &payload); errDecode != nil {
			log.WithError(errDecode).Warn("proxy: unparseable chat request, skipping metering")
			return
		}
	}

	var promptText strings.Builder
	for _, message := range payload.Messages {
		promptText.WriteString(message.Content)
	}

	promptTokens, errPrompt := p.counter.Count(payload.Model, promptText.String())
	if errPrompt != nil {
		log.WithError(errPrompt).Warn("proxy: prompt token count failed")
		return
	}
	completionTokens, errCompletion := p.counter.Count(payload.Model, acc.Content())
	if errCompletion != nil {
		log.WithError(errCompletion).Warn("proxy: completion token count failed")
		return
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	delta, errRecord := p.ledger.Record(flushCtx, memberID, payload.Model, promptTokens, completionTokens)
	if errRecord != nil {
		log.WithError(errRecord).Warn("proxy: usage record failed")
		return
	}
	p.collector.RecordTokens(payload.Model, promptTokens, completionTokens, delta.Prompt.Cost+delta.Completion.Cost)

	log.WithFields(log.Fields{
		"member":            memberID,
		"model":             payload.Model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	}).Debug("proxy: usage recorded")
}

func routeLabel(metered bool) string {
	if metered {
		return "chat"
	}
	return "passthrough"
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
