package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"telecare-backend/pkg/logger"
)

// FirebaseProvider sends through Firebase Cloud Messaging (Android, iOS via
// the APNs bridge, and Web)
type FirebaseProvider struct {
	client    *messaging.Client
	projectID string
}

// NewFirebaseProvider initializes the Admin SDK from a service account file.
// An empty projectID is read from the credentials.
func NewFirebaseProvider(ctx context.Context, projectID, credentialsPath string) (*FirebaseProvider, error) {
	if credentialsPath == "" {
		return nil, errors.New("FIREBASE_CREDENTIALS_PATH is required for the fcm provider")
	}

	credentials, err := os.ReadFile(filepath.Clean(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read Firebase credentials: %w", err)
	}

	if projectID == "" {
		var creds struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse Firebase credentials: %w", err)
		}
		projectID = creds.ProjectID
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON(credentials))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	logger.Info("Firebase Admin SDK initialized", zap.String("project_id", projectID))
	return &FirebaseProvider{client: client, projectID: projectID}, nil
}

// Send implements the Provider interface
func (f *FirebaseProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildFCMMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return &SendResult{FailureCount: len(tokens)}, fmt.Errorf("failed to send Firebase messages: %w", err)
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
			continue
		}
		logger.Warn("Firebase send failed",
			zap.String("project_id", f.projectID),
			zap.Error(resp.Error))
	}
	return result, nil
}

func buildFCMMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+2)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body

	android := &messaging.AndroidConfig{
		Priority: notification.Priority,
		Notification: &messaging.AndroidNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Sound: notification.Sound,
		},
	}

	apns := &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Alert:    &messaging.ApsAlert{Title: notification.Title, Body: notification.Body},
				Sound:    notification.Sound,
				Category: notification.Category,
			},
		},
	}

	return &messaging.Message{
		Data:    data,
		Android: android,
		APNS:    apns,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: notification.Title,
				Body:  notification.Body,
			},
		},
		Token: token,
	}
}
