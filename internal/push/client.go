package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultSendURL is formatted with the Firebase project id
const DefaultSendURL = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

const clickAction = "FLUTTER_NOTIFICATION_CLICK"

// Message is the user-visible part of a push notification
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// APIError is the error shape FCM reports, also used for transport failures
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Status, e.Code, e.Message)
}

// Result is the outcome of one send. Exactly one of MessageID and Error is set.
type Result struct {
	MessageID string
	Error     *APIError
}

// OK reports whether the message was accepted
func (r Result) OK() bool {
	return r.Error == nil
}

// Config configures a Client
type Config struct {
	Account  ServiceAccount
	TokenURL string
	// SendURL may contain a %s placeholder for the project id
	SendURL    string
	HTTPClient *http.Client
}

// Client sends notifications through FCM HTTP v1
type Client struct {
	auth     *Authenticator
	endpoint string
	client   *http.Client
}

// New creates a Client that authenticates with auth
func New(cfg Config, auth *Authenticator) *Client {
	sendURL := cfg.SendURL
	if sendURL == "" {
		sendURL = DefaultSendURL
	}
	if strings.Contains(sendURL, "%s") {
		sendURL = fmt.Sprintf(sendURL, cfg.Account.ProjectID)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		auth:     auth,
		endpoint: sendURL,
		client:   httpClient,
	}
}

// NewFromConfig builds the authenticator and the client in one step
func NewFromConfig(cfg Config) (*Client, error) {
	cache := &TokenCache{}
	auth, err := NewAuthenticator(cfg.Account, cfg.TokenURL, cfg.HTTPClient, cache, nil)
	if err != nil {
		return nil, err
	}
	return New(cfg, auth), nil
}

type sendRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token"`
	Notification wireNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      wireAndroid       `json:"android"`
	APNS         wireAPNS          `json:"apns"`
}

type wireNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type wireAndroid struct {
	Priority     string                  `json:"priority"`
	Notification wireAndroidNotification `json:"notification"`
}

type wireAndroidNotification struct {
	ClickAction string `json:"click_action"`
}

type wireAPNS struct {
	Payload struct {
		APS struct {
			Sound string `json:"sound"`
			Badge int    `json:"badge"`
		} `json:"aps"`
	} `json:"payload"`
}

type sendResponse struct {
	Name  string    `json:"name"`
	Error *APIError `json:"error"`
}

func buildWireMessage(deviceToken string, msg Message) sendRequest {
	wm := wireMessage{
		Token:        deviceToken,
		Notification: wireNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android: wireAndroid{
			Priority:     "high",
			Notification: wireAndroidNotification{ClickAction: clickAction},
		},
	}
	wm.APNS.Payload.APS.Sound = "default"
	wm.APNS.Payload.APS.Badge = 1
	return sendRequest{Message: wm}
}

// Send delivers msg to one device. Failures are returned in Result.Error, never as a Go error.
func (c *Client) Send(ctx context.Context, deviceToken string, msg Message) Result {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return internalFailure(err)
	}

	payload, err := json.Marshal(buildWireMessage(deviceToken, msg))
	if err != nil {
		return internalFailure(fmt.Errorf("marshaling message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return internalFailure(fmt.Errorf("creating send request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return internalFailure(fmt.Errorf("sending message: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return internalFailure(fmt.Errorf("reading send response: %w", err))
	}

	var decoded sendResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && decoded.Error != nil {
			return Result{Error: decoded.Error}
		}
		return Result{Error: &APIError{
			Code:    resp.StatusCode,
			Message: string(body),
			Status:  http.StatusText(resp.StatusCode),
		}}
	}
	if decodeErr != nil {
		return internalFailure(fmt.Errorf("decoding send response: %w", decodeErr))
	}

	return Result{MessageID: decoded.Name}
}

func internalFailure(err error) Result {
	return Result{Error: &APIError{
		Code:    http.StatusInternalServerError,
		Message: err.Error(),
		Status:  "INTERNAL",
	}}
}
