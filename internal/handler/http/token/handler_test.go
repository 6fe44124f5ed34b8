package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/service/token"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/jwt"
)

// MockIssuer is a mock implementation of Issuer
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) IssueToken(ctx context.Context, userID uuid.UUID, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error) {
	args := m.Called(ctx, userID, appointmentID, purpose)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionDescriptor), args.Error(1)
}

type envelope struct {
	Success bool                 `json:"success"`
	Data    *token.TokenResponse `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func setup(t *testing.T) (*gin.Engine, *MockIssuer, *jwt.JWTManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer := new(MockIssuer)
	manager := jwt.NewJWTManager("test-secret-key-that-is-long-enough", time.Minute, time.Hour)
	router := gin.New()
	router.POST("/v1/stream/token", middleware.AuthMiddleware(manager), NewHandler(issuer).IssueToken)
	return router, issuer, manager
}

func post(t *testing.T, router *gin.Engine, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/stream/token", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestIssueToken_Success(t *testing.T) {
	router, issuer, manager := setup(t)
	userID := uuid.New()
	access, err := manager.GenerateAccessToken(userID, "patient")
	require.NoError(t, err)

	expires := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	issuer.On("IssueToken", mock.Anything, userID, "appt-1", domain.CallPurpose("")).
		Return(&domain.SessionDescriptor{
			UserID:     userID.String(),
			CallID:     "call_appt-1",
			VideoToken: "stream-token",
			APIKey:     "key-1",
			ExpiresAt:  expires,
		}, nil)

	w, env := post(t, router, access, token.TokenRequest{AppointmentID: "appt-1"})

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.Success)
	assert.Equal(t, token.TokenResponse{
		UserID:     userID.String(),
		CallID:     "call_appt-1",
		VideoToken: "stream-token",
		APIKey:     "key-1",
		ExpiresAt:  expires,
	}, *env.Data)
}

func TestIssueToken_RequiresAccessToken(t *testing.T) {
	router, issuer, manager := setup(t)

	w, env := post(t, router, "", token.TokenRequest{AppointmentID: "appt-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.Success)

	// a stream token is not an access token
	stream, _, err := manager.GenerateStreamToken(uuid.New(), "call_appt-1")
	require.NoError(t, err)
	w, _ = post(t, router, stream, token.TokenRequest{AppointmentID: "appt-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	issuer.AssertNotCalled(t, "IssueToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIssueToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing appointment", map[string]string{"purpose": "video"}, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"rejected", token.TokenRequest{AppointmentID: "bad id"}, apperrors.ValidationError("bad"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"store down", token.TokenRequest{AppointmentID: "appt-1"}, apperrors.DatabaseError(errors.New("boom")), http.StatusInternalServerError, "DATABASE_ERROR"},
		{"plain error", token.TokenRequest{AppointmentID: "appt-1"}, errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, issuer, manager := setup(t)
			userID := uuid.New()
			access, err := manager.GenerateAccessToken(userID, "doctor")
			require.NoError(t, err)
			if tt.err != nil {
				issuer.On("IssueToken", mock.Anything, userID, mock.Anything, mock.Anything).Return(nil, tt.err)
			}

			w, env := post(t, router, access, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}
