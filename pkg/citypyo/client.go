// Package citypyo fetches a user's subcatchment geometry from a CityPyO
// geodata server.
package citypyo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/retry"
	"github.com/psantana5/stormwater/pkg/tracing"
)

// SubcatchmentsLayer is the layer holding subcatchment polygons
const SubcatchmentsLayer = "subcatchments"

// ErrLayerNotFound is returned when the server has no data for the layer
var ErrLayerNotFound = errors.New("layer not found")

// StatusError is a non-200 answer from the server
type StatusError struct {
	StatusCode int
	Layer      string
	UserID     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("response returned undesired status code: %d when fetching %s for user %s",
		e.StatusCode, e.Layer, e.UserID)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config // MaxRetries 0 disables retries
}

// Client manages communication with the CityPyO server
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
	logger     *logging.Logger
}

// NewClient creates a CityPyO client
func NewClient(cfg Config, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}

	policy := cfg.Retry
	policy.Retryable = isTransportError

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:  policy,
		logger: logger.WithComponent("CityPyO"),
	}
}

// GetSubcatchments returns the subcatchments layer of userID
func (c *Client) GetSubcatchments(ctx context.Context, userID string) (*models.FeatureCollection, error) {
	data, err := c.GetLayer(ctx, userID, SubcatchmentsLayer)
	if err != nil {
		return nil, err
	}

	var fc models.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to decode subcatchments: %w", err)
	}
	if len(fc.Features) == 0 {
		return nil, c.notFound(userID, SubcatchmentsLayer)
	}
	return &fc, nil
}

// GetLayer returns the raw JSON of one layer. An empty answer is
// ErrLayerNotFound.
func (c *Client) GetLayer(ctx context.Context, userID, layer string) (json.RawMessage, error) {
	var data json.RawMessage
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		data, err = c.getLayer(ctx, userID, layer)
		if err != nil && isTransportError(err) {
			c.logger.Warn("CityPyO request failed", map[string]interface{}{
				"user_id": userID,
				"layer":   layer,
				"error":   err,
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, c.notFound(userID, layer)
	}
	return data, nil
}

func (c *Client) getLayer(ctx context.Context, userID, layer string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"userid": userID, "layer": layer})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/getLayer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Layer:      layer,
			UserID:     userID,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}
	return data, nil
}

func (c *Client) notFound(userID, layer string) error {
	return fmt.Errorf("%w: could not find %s for user %s on %s", ErrLayerNotFound, layer, userID, c.baseURL)
}

// transportError marks failures to talk to the server at all
type transportError struct{ err error }

func (e *transportError) Error() string { return "CityPyO request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te) && !errors.Is(err, context.Canceled)
}
