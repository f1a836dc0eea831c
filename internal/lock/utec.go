// Package lock drives the smart-lock collaborator. Unlock requests are
// queued and executed off the access path; outcomes are logged and published.
package lock

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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultAPIURL is the single action endpoint of the U-Tec cloud API.
const DefaultAPIURL = "https://api.u-tec.com/action"

const (
	namespaceDevice = "Uhome.Device"
	payloadVersion  = "1"
	maxResponseBody = 1 << 20
)

var (
	ErrAccessTokenRequired = errors.New("lock: access token required")
	ErrNoLocks             = errors.New("lock: account has no locks")
	ErrHTTPStatus          = errors.New("lock: unexpected http status")
)

// APIError is an error payload returned inside a 2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lock: api error %s: %s", e.Code, e.Message)
}

// Device is one lock on the account.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

type requestHeader struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	MessageID      string `json:"messageId"`
	PayloadVersion string `json:"payloadVersion"`
}

type apiRequest struct {
	Header  requestHeader `json:"header"`
	Payload any           `json:"payload"`
}

type apiResponse struct {
	Header  requestHeader   `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

type UTecConfig struct {
	APIURL      string
	AccessToken string
	Timeout     time.Duration
}

// UTecClient speaks the envelope protocol: every action is a POST to one URL
// with {header:{namespace,name,messageId,payloadVersion}, payload}.
type UTecClient struct {
	url   string
	token string
	http  *http.Client
}

func NewUTecClient(cfg UTecConfig) (*UTecClient, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, ErrAccessTokenRequired
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &UTecClient{
		url:   cfg.APIURL,
		token: cfg.AccessToken,
		http:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *UTecClient) ListLocks(ctx context.Context) ([]Device, error) {
	var payload struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, namespaceDevice, "List", struct{}{}, &payload); err != nil {
		return nil, err
	}
	return payload.Devices, nil
}

func (c *UTecClient) Unlock(ctx context.Context, lockID string) error {
	return c.do(ctx, namespaceDevice, "Unlock", deviceRequest{DeviceID: lockID}, nil)
}

func (c *UTecClient) LockStatus(ctx context.Context, lockID string) (string, error) {
	var payload struct {
		Status struct {
			LockState string `json:"lockState"`
		} `json:"status"`
	}
	if err := c.do(ctx, namespaceDevice, "GetLockStatus", deviceRequest{DeviceID: lockID}, &payload); err != nil {
		return "", err
	}
	return payload.Status.LockState, nil
}

func (c *UTecClient) do(ctx context.Context, namespace, name string, payload any, out any) error {
	msgID := uuid.NewString()
	body, err := json.Marshal(apiRequest{
		Header: requestHeader{
			Namespace:      namespace,
			Name:           name,
			MessageID:      msgID,
			PayloadVersion: payloadVersion,
		},
		Payload: payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("namespace", namespace).Str("name", name).Str("message_id", msgID).Msg("lock.UTecClient request")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lock: %s/%s: %w", namespace, name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("lock: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("lock: decode response: %w", err)
	}
	var apiErr struct {
		Error *APIError `json:"error"`
	}
	if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &apiErr) == nil && apiErr.Error != nil {
		return apiErr.Error
	}
	if out == nil || len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("lock: decode payload: %w", err)
	}
	return nil
}
