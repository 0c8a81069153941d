package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
)

// Sender delivers one fully-formed submission request. Both the dispatcher
// and the replay agent speak through this interface, so either can win the
// race for a given operation.
type Sender interface {
	Send(ctx context.Context, method, url string, headers, body []byte) Outcome
}

// Client is the HTTP client for the remote submission endpoint. Each attempt
// is bounded by the configured timeout; a timeout is indistinguishable from
// any other network failure (requeue, never delete).
type Client struct {
	baseURL    string
	healthPath string
	client     *http.Client
	br         *Breaker
}

func NewClient(baseURL, healthPath string, timeout time.Duration, failThreshold int, openFor time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if healthPath == "" {
		healthPath = "/healthz"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		healthPath: healthPath,
		client:     &http.Client{Timeout: timeout},
		br:         NewBreaker(failThreshold, openFor),
	}
}

// SubmissionURL builds the endpoint for an entity type. The path shape is
// fixed by the remote collaborator's contract.
func (c *Client) SubmissionURL(entity model.EntityType) string {
	return c.baseURL + "/sync/" + entity.String()
}

func (c *Client) Send(ctx context.Context, method, url string, headers, body []byte) Outcome {
	if !c.br.TryAcquire() {
		return Outcome{Kind: Failed, Err: fmt.Errorf("remote circuit open")}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		c.br.OnFailure()
		return Outcome{Kind: Failed, Err: err}
	}

	var hdr map[string]string
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &hdr); err != nil {
			c.br.OnFailure()
			return Outcome{Kind: Failed, Err: fmt.Errorf("decode stored headers: %w", err)}
		}
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.br.OnFailure()
		return Outcome{Kind: Failed, Err: err}
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	switch {
	case res.StatusCode/100 == 2:
		c.br.OnSuccess()
		ack, err := decodeAck(raw)
		if err != nil {
			return Outcome{Kind: Failed, Status: res.StatusCode, Err: err}
		}
		if ack.Duplicate {
			return Outcome{Kind: Duplicate, Ack: ack, Status: res.StatusCode}
		}
		return Outcome{Kind: Delivered, Ack: ack, Status: res.StatusCode}

	case res.StatusCode == http.StatusConflict:
		// idempotent "already applied" answer; carries the existing remote id
		c.br.OnSuccess()
		ack, err := decodeAck(raw)
		if err != nil {
			return Outcome{Kind: Failed, Status: res.StatusCode, Err: err}
		}
		return Outcome{Kind: Duplicate, Ack: ack, Status: res.StatusCode}

	case res.StatusCode/100 == 4:
		// the server is reachable and has definitively refused
		c.br.OnSuccess()
		return Outcome{Kind: Rejected, Status: res.StatusCode, Message: rejectionMessage(raw, res.StatusCode)}

	default:
		c.br.OnFailure()
		return Outcome{
			Kind:   Failed,
			Status: res.StatusCode,
			Err:    fmt.Errorf("remote status=%d", res.StatusCode),
		}
	}
}

// Health probes the remote health endpoint; used by the connectivity watcher.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("health status=%d", res.StatusCode)
	}
	return nil
}

func decodeAck(raw []byte) (*model.Ack, error) {
	var ack model.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	if ack.ClientID == "" || ack.RemoteID == "" {
		return nil, fmt.Errorf("ack missing identifiers")
	}
	return &ack, nil
}

func rejectionMessage(raw []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("rejected with status %d", status)
}
