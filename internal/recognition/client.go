package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/your-org/facegate/internal/config"
	"github.com/your-org/facegate/internal/observability"
)

const apiKeyHeader = "X-API-Key"

// Submitter is the one-shot recognition call. Retry policy belongs to
// the orchestrator, never here.
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Result, error)
}

// Client talks to the remote face-matching gateway over HTTP.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewClient(cfg config.RecognitionConfig) *Client {
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

type wirePayload struct {
	Action     Action `json:"action"`
	Image      string `json:"image"`
	CustomerID string `json:"customerId,omitempty"`
}

// Submit performs exactly one network attempt. Outcomes are one of:
// a validated Result, ErrMissingCustomerID (local, pre-network),
// ErrNoUsableFace (vendor found nothing enrollable/matchable), or a
// TransportError (network failure, non-2xx, vendor-reported error, or
// a malformed payload).
func (c *Client) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.Action == ActionRegister && req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	payload := wirePayload{
		Action: req.Action,
		Image:  "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(req.Image),
	}
	if req.Action == ActionRegister {
		payload.CustomerID = req.CustomerID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	observability.SubmissionDuration.WithLabelValues(string(req.Action)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil && resp.StatusCode < 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "malformed response payload"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: msg}
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "recognition failed"
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: msg}
	}

	switch req.Action {
	case ActionRegister:
		return registerResult(&env, raw, resp.StatusCode)
	case ActionIdentify:
		return identifyResult(&env, raw)
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

// registerResult validates the enrollment echo. The vendor must return
// at least one FaceRecord carrying the face id and the echoed external
// identity; anything else is rejected here rather than propagated
// half-formed into the orchestrator.
func registerResult(env *envelope, raw []byte, status int) (*Result, error) {
	if env.FullData == nil || len(env.FullData.FaceRecords) == 0 {
		return nil, ErrNoUsableFace
	}

	face := env.FullData.FaceRecords[0].Face
	if face.FaceID == "" || face.ExternalImageID == "" {
		return nil, &TransportError{StatusCode: status, Message: "register response missing face identity"}
	}

	return &Result{
		FaceID:     face.FaceID,
		ExternalID: face.ExternalImageID,
		Raw:        json.RawMessage(raw),
	}, nil
}

func identifyResult(env *envelope, raw []byte) (*Result, error) {
	if env.BestMatch == nil || env.BestMatch.ExternalImageID == "" {
		return nil, ErrNoUsableFace
	}

	return &Result{
		FaceID:     env.FaceID,
		ExternalID: env.BestMatch.ExternalImageID,
		Confidence: env.BestMatch.Similarity,
		Raw:        json.RawMessage(raw),
	}, nil
}
