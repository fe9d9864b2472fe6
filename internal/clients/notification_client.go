package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/events"
)

// HTTPNotificationClient talks to the chat front-end's notification API.
// All operations are best-effort from the settlement core's point of view.
type HTTPNotificationClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
}

var _ events.NotificationSender = (*HTTPNotificationClient)(nil)

func NewHTTPNotificationClient(baseURL string, timeout time.Duration, logger *logrus.Entry) *HTTPNotificationClient {
	return &HTTPNotificationClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.WithField("component", "notification-client"),
	}
}

// SendUserMessage delivers a chat message to a user.
func (c *HTTPNotificationClient) SendUserMessage(ctx context.Context, userID int64, text string) error {
	return c.post(ctx, "/api/v1/messages", map[string]interface{}{
		"user_id": userID,
		"text":    text,
	})
}

// SendAdminAlert delivers an operator alert.
func (c *HTTPNotificationClient) SendAdminAlert(ctx context.Context, text string) error {
	return c.post(ctx, "/api/v1/alerts", map[string]interface{}{
		"text": text,
	})
}

// CleanupTrackedMessages deletes the outward-facing messages tracked for a
// gateway order. When the front-end reports deletion is not permitted, it
// degrades to editing the messages into a settled-state fallback.
func (c *HTTPNotificationClient) CleanupTrackedMessages(ctx context.Context, gatewayOrderID string) error {
	url := fmt.Sprintf("%s/api/v1/messages/tracked/%s", c.baseURL, gatewayOrderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete tracked messages: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusMethodNotAllowed:
		c.logger.WithField("gateway_order_id", gatewayOrderID).
			Info("Deletion not permitted, editing tracked messages instead")
		return c.post(ctx, "/api/v1/messages/tracked/"+gatewayOrderID+"/edit", map[string]interface{}{
			"text": "This invoice is no longer active.",
		})
	default:
		return fmt.Errorf("delete tracked messages: status %d", resp.StatusCode)
	}
}

func (c *HTTPNotificationClient) post(ctx context.Context, path string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}

// MockNotificationSender records notifications for tests.
type MockNotificationSender struct {
	UserMessages []string
	AdminAlerts  []string
	Cleanups     []string
	SendErr      error
}

var _ events.NotificationSender = (*MockNotificationSender)(nil)

func (m *MockNotificationSender) SendUserMessage(ctx context.Context, userID int64, text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.UserMessages = append(m.UserMessages, text)
	return nil
}

func (m *MockNotificationSender) SendAdminAlert(ctx context.Context, text string) error {
	m.AdminAlerts = append(m.AdminAlerts, text)
	return nil
}

func (m *MockNotificationSender) CleanupTrackedMessages(ctx context.Context, gatewayOrderID string) error {
	m.Cleanups = append(m.Cleanups, gatewayOrderID)
	return nil
}
