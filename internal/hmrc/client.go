package hmrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/pkg/config"
)

const sendLicencePath = "/mail/update-licence/"

// Country is a country reference in the integration payload.
type Country struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Address is the integration service's flattened address shape.
type Address struct {
	Line1    string  `json:"line_1"`
	Line2    string  `json:"line_2,omitempty"`
	Line3    string  `json:"line_3,omitempty"`
	Line4    string  `json:"line_4,omitempty"`
	Line5    string  `json:"line_5,omitempty"`
	Postcode string  `json:"postcode,omitempty"`
	Country  Country `json:"country"`
}

// Organisation identifies the exporter on a licence.
type Organisation struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Address    Address `json:"address"`
	EORINumber string  `json:"eori_number"`
}

// EndUser identifies the licence's end user destination.
type EndUser struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

// Good is one licensed line item. Order within the payload is the line
// number the customs system quotes back in usage reports.
type Good struct {
	ID          string  `json:"id"`
	Usage       float64 `json:"usage"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Unit        string  `json:"unit"`
	Quantity    float64 `json:"quantity"`
	Value       float64 `json:"value"`
}

// LicencePayload is the wire shape of one licence status change.
type LicencePayload struct {
	ID           string       `json:"id"`
	Reference    string       `json:"reference"`
	Type         string       `json:"type"`
	Action       string       `json:"action"`
	OldID        string       `json:"old_id,omitempty"`
	StartDate    string       `json:"start_date"`
	EndDate      string       `json:"end_date"`
	Organisation Organisation `json:"organisation"`
	EndUser      *EndUser     `json:"end_user,omitempty"`
	Goods        []Good       `json:"goods"`
}

// DeliveryRecorder observes delivery attempts. Nil disables recording.
type DeliveryRecorder interface {
	RecordHMRCDelivery(action string, success bool, duration time.Duration)
}

// Client talks to the customs integration service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	metrics DeliveryRecorder
	logger  *zap.Logger
}

// NewClient constructs a Client from configuration.
func NewClient(cfg config.HMRCConfig, metrics DeliveryRecorder, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		metrics: metrics,
		logger:  logger,
	}
}

// SendLicence delivers one licence change. It returns created=true when the
// integration service stored a new record (the caller stamps sent-at then);
// any non-2xx response is an error the caller retries.
func (c *Client) SendLicence(ctx context.Context, payload LicencePayload) (created bool, err error) {
	body, err := json.Marshal(map[string]interface{}{"licence": payload})
	if err != nil {
		return false, fmt.Errorf("marshal licence payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendLicencePath, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build licence request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(payload.Action, false, time.Since(start))
		return false, fmt.Errorf("send licence %s action %s: %w", payload.ID, payload.Action, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	c.logger.Sugar().Infow("hmrc delivery attempted",
		"licence_id", payload.ID, "action", payload.Action,
		"status", resp.StatusCode, "latency", latency)

	switch resp.StatusCode {
	case http.StatusOK:
		c.record(payload.Action, true, latency)
		return false, nil
	case http.StatusCreated:
		c.record(payload.Action, true, latency)
		return true, nil
	default:
		c.record(payload.Action, false, latency)
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, fmt.Errorf("unexpected response sending licence %s action %s: status=%d message=%s",
			payload.ID, payload.Action, resp.StatusCode, string(text))
	}
}

func (c *Client) record(action string, success bool, latency time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordHMRCDelivery(action, success, latency)
	}
}
