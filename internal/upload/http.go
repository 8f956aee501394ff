package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Authorizer attaches credentials to an outgoing request.
type Authorizer func(*http.Request) error

// BearerToken returns an Authorizer that sends a static API key. An empty
// key attaches nothing.
func BearerToken(key string) Authorizer {
	return func(r *http.Request) error {
		if key != "" {
			r.Header.Set("Authorization", "Bearer "+key)
		}
		return nil
	}
}

// HTTPCollector speaks the chunk protocol over HTTP:
//
//	PUT {endpoint}/v1/uploads/{take_id}/chunks?offset=N&final=B
//
// with the chunk as the body, answered by a JSON Ack.
type HTTPCollector struct {
	endpoint  string
	client    *http.Client
	authorize Authorizer
	deviceID  string
}

func NewHTTPCollector(endpoint, deviceID string, client *http.Client, authorize Authorizer) *HTTPCollector {
	if client == nil {
		client = &http.Client{}
	}
	if authorize == nil {
		authorize = BearerToken("")
	}
	return &HTTPCollector{
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    client,
		authorize: authorize,
		deviceID:  deviceID,
	}
}

func (c *HTTPCollector) SendChunk(ctx context.Context, req ChunkRequest) (Ack, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(req.Offset, 10))
	q.Set("final", strconv.FormatBool(req.Final))
	target := fmt.Sprintf("%s/v1/uploads/%s/chunks?%s", c.endpoint, url.PathEscape(req.TakeID), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(req.Data))
	if err != nil {
		return Ack{}, fatal("build chunk request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Chunk-Index", strconv.Itoa(req.Index))
	httpReq.Header.Set("X-Upload-Length", strconv.FormatInt(req.TotalSize, 10))
	if req.LanguageTag != "" {
		httpReq.Header.Set("X-Language-Tag", req.LanguageTag)
	}
	if c.deviceID != "" {
		httpReq.Header.Set("X-Device-ID", c.deviceID)
	}
	if err := c.authorize(httpReq); err != nil {
		return Ack{}, transient("authorize chunk request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Ack{}, err
		}
		return Ack{}, transient("send chunk: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, transient("read chunk response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, statusError(resp.StatusCode, fmt.Errorf("collector responded %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, transient("decode chunk ack: %w", err)
	}
	return ack, nil
}
