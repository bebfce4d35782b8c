// Package syncclient is the only part of activitysync that talks to the
// backend. It owns the HTTP wire contract and the background drain worker.
package syncclient

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
	"time"

	"github.com/google/uuid"

	"github.com/elderdiet/activitysync/internal/credential"
	"github.com/elderdiet/activitysync/internal/eventqueue"
)

type Ack struct {
	Ack bool `json:"ack"`
}

type CloseSessionRequest struct {
	EndedAt time.Time `json:"endedAt"`
	Reason  string    `json:"reason"`
}

type EventBatchRequest struct {
	Events []eventqueue.Event `json:"events"`
}

type EventBatchResponse struct {
	AcceptedIDs []string `json:"acceptedIds"`
}

type PushSettings struct {
	PushEnabled           bool `json:"pushEnabled"`
	MealRecordPushEnabled bool `json:"mealRecordPushEnabled"`
	ReminderPushEnabled   bool `json:"reminderPushEnabled"`
}

type DeviceRegistration struct {
	DeviceToken    string `json:"deviceToken"`
	Platform       string `json:"platform"`
	DeviceModel    string `json:"deviceModel,omitempty"`
	AppVersion     string `json:"appVersion,omitempty"`
	IdentitySource string `json:"identitySource,omitempty"`
	PushSettings
}

type RegisterResponse struct {
	RegistrationID string `json:"registrationId"`
}

type UnregisterRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// TelemetryClient delivers outbox entries.
type TelemetryClient interface {
	StartSession(ctx context.Context, start eventqueue.SessionStart) error
	CloseSession(ctx context.Context, end eventqueue.SessionClose) error
	SendEvents(ctx context.Context, events []eventqueue.Event) (EventBatchResponse, error)
}

// DeviceClient manages push registrations.
type DeviceClient interface {
	RegisterDevice(ctx context.Context, reg DeviceRegistration) (RegisterResponse, error)
	UnregisterDevice(ctx context.Context, token string) error
	UpdateDeviceSettings(ctx context.Context, token string, settings PushSettings) error
	Heartbeat(ctx context.Context, token string) error
}

type HTTPClient struct {
	baseURL     string
	credentials credential.Source
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPClient(baseURL string, credentials credential.Source, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  httpClient,
		maxRetries:  2,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

func (c *HTTPClient) StartSession(ctx context.Context, start eventqueue.SessionStart) error {
	var out Ack
	return c.doJSON(ctx, http.MethodPost, "/sessions", start, &out)
}

func (c *HTTPClient) CloseSession(ctx context.Context, end eventqueue.SessionClose) error {
	body := CloseSessionRequest{EndedAt: end.EndedAt, Reason: end.Reason}
	var out Ack
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/close", url.PathEscape(end.SessionID)), body, &out)
}

func (c *HTTPClient) SendEvents(ctx context.Context, events []eventqueue.Event) (EventBatchResponse, error) {
	var out EventBatchResponse
	err := c.doJSON(ctx, http.MethodPost, "/events/batch", EventBatchRequest{Events: events}, &out)
	return out, err
}

func (c *HTTPClient) RegisterDevice(ctx context.Context, reg DeviceRegistration) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.doJSON(ctx, http.MethodPost, "/devices/register", reg, &out)
	return out, err
}

func (c *HTTPClient) UnregisterDevice(ctx context.Context, token string) error {
	var out Ack
	return c.doJSON(ctx, http.MethodPost, "/devices/unregister", UnregisterRequest{DeviceToken: token}, &out)
}

func (c *HTTPClient) UpdateDeviceSettings(ctx context.Context, token string, settings PushSettings) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/devices/%s/settings", url.PathEscape(token)), settings, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/devices/%s/heartbeat", url.PathEscape(token)), nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.credentials == nil {
		return ErrNoCredential
	}
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ErrServerRejected, err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read body: %v", ErrTransient, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
