// Package inference adapts an external inference server to domain.ModelLoader.
//
// The server owns the actual engine (OpenVINO or similar). Protocol:
//
//	POST   /v1/models              {"path","device","task"} → {"id"}
//	POST   /v1/models/{id}/predict image/png body            → {"pred_score": ...}
//	DELETE /v1/models/{id}
//
// pred_score may be a number, a nested array of numbers, or null/absent.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inspectd/inspectd/internal/domain"
)

// Client talks to an inference server over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	log      *logrus.Entry
}

// NewClient creates a client for the server at endpoint. timeout bounds each
// HTTP exchange; zero means no client-side limit.
func NewClient(endpoint string, timeout time.Duration, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		log:      log.WithField("component", "inference"),
	}
}

type loadRequest struct {
	Path   string `json:"path"`
	Device string `json:"device"`
	Task   string `json:"task"`
}

type loadResponse struct {
	ID string `json:"id"`
}

type predictResponse struct {
	PredScore json.RawMessage `json:"pred_score"`
}

// Load asks the server to load the weights at <locator>.bin.
func (c *Client) Load(ctx context.Context, locator string, opts domain.LoadOptions) (domain.InferenceHandle, error) {
	body, err := json.Marshal(loadRequest{
		Path:   locator + domain.WeightsExt,
		Device: opts.Device,
		Task:   opts.Task,
	})
	if err != nil {
		return nil, err
	}

	var out loadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/models", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("load %s: server returned no model id: %w", locator, domain.ErrEngine)
	}
	return &handle{client: c, id: out.ID, locator: locator}, nil
}

// handle is a model loaded on the server.
type handle struct {
	client  *Client
	id      string
	locator string

	closeOnce sync.Once
	closeErr  error
}

// Predict sends the image as PNG and parses pred_score.
func (h *handle) Predict(ctx context.Context, img image.Image) (domain.Prediction, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return domain.Prediction{}, fmt.Errorf("encode image: %w", err)
	}

	var out predictResponse
	path := "/v1/models/" + h.id + "/predict"
	if err := h.client.do(ctx, http.MethodPost, path, "image/png", &buf, &out); err != nil {
		return domain.Prediction{}, err
	}

	score, err := ParseScore(out.PredScore)
	if err != nil {
		h.client.log.WithFields(logrus.Fields{
			"model": h.locator,
			"raw":   string(out.PredScore),
		}).WithError(err).Warn("unreadable pred_score")
		return domain.Prediction{}, nil
	}
	return domain.Prediction{Score: score}, nil
}

// Close unloads the model on the server. Repeated calls return the first result.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.client.do(context.Background(), http.MethodDelete, "/v1/models/"+h.id, "", nil, nil)
	})
	return h.closeErr
}

// ParseScore extracts the first number from a scalar or (nested) array.
// null, absent and empty arrays yield nil without error.
func ParseScore(raw json.RawMessage) (*float64, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	for {
		switch t := v.(type) {
		case nil:
			return nil, nil
		case float64:
			return &t, nil
		case []interface{}:
			if len(t) == 0 {
				return nil, nil
			}
			v = t[0]
		default:
			return nil, fmt.Errorf("pred_score has type %T", t)
		}
	}
}

// --- Internal helpers ---

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrEngine)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)), domain.ErrEngine)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, domain.ErrEngine)
	}
	return nil
}
