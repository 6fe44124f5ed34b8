package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/response"
)

// Client fetches credentials from the broker on behalf of the local user
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a broker client. authToken is the user's API bearer token.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchToken requests a descriptor for the appointment's call. Every failure
// is a CredentialFetchError; nothing is retried.
func (c *Client) FetchToken(ctx context.Context, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error) {
	body, err := json.Marshal(TokenRequest{AppointmentID: appointmentID, Purpose: string(purpose)})
	if err != nil {
		return nil, apperrors.CredentialFetchError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stream/token", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.CredentialFetchError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.CredentialFetchError(fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, apperrors.CredentialFetchError(fmt.Errorf("failed to read token response: %w", err))
	}

	var envelope struct {
		Success bool                  `json:"success"`
		Data    *TokenResponse        `json:"data"`
		Error   *response.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperrors.CredentialFetchError(fmt.Errorf("broker returned %d with unreadable body: %w", resp.StatusCode, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !envelope.Success || envelope.Data == nil {
		cause := fmt.Errorf("broker returned %d", resp.StatusCode)
		if envelope.Error != nil {
			cause = fmt.Errorf("broker returned %d: %s: %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		logger.Warn("Token request rejected",
			zap.String("appointment_id", appointmentID),
			zap.Int("status", resp.StatusCode))
		return nil, apperrors.CredentialFetchError(cause)
	}

	data := envelope.Data
	return &domain.SessionDescriptor{
		UserID:        data.UserID,
		CallID:        data.CallID,
		VideoToken:    data.VideoToken,
		APIKey:        data.APIKey,
		AppointmentID: appointmentID,
		IssuedAt:      time.Now(),
		ExpiresAt:     data.ExpiresAt,
	}, nil
}
