package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// APNsConfig contains configuration for APNs provider. Token authentication
// is used when KeyPath, KeyID and TeamID are all set.
type APNsConfig struct {
	BundleID string

	KeyPath string
	KeyID   string
	TeamID  string

	CertificatePath     string
	CertificatePassword string

	Production bool
}

// APNsProvider sends straight to Apple Push Notification Service
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// NewAPNsProvider creates a new APNs provider
func NewAPNsProvider(cfg APNsConfig) (*APNsProvider, error) {
	if cfg.BundleID == "" {
		return nil, errors.New("APNS_BUNDLE_ID is required for the apns provider")
	}

	var client *apns2.Client
	switch {
	case cfg.KeyPath != "" && cfg.KeyID != "" && cfg.TeamID != "":
		authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
	case cfg.CertificatePath != "":
		cert, err := certificate.FromP12File(cfg.CertificatePath, cfg.CertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
		}
		client = apns2.NewClient(cert)
	default:
		return nil, errors.New("APNs needs APNS_KEY_PATH, APNS_KEY_ID and APNS_TEAM_ID, or APNS_CERT_PATH")
	}

	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", cfg.BundleID),
		zap.Bool("production", cfg.Production))
	return &APNsProvider{client: client, bundleID: cfg.BundleID}, nil
}

// Send implements the Provider interface
func (p *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}
	for _, deviceToken := range tokens {
		res, err := p.client.PushWithContext(ctx, p.buildNotification(notification, deviceToken))
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.FailureCount++
			logger.Warn("APNs push failed", zap.Error(err))
			continue
		}
		if res.Sent() {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if isInvalidAPNsToken(res.Reason) {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
			continue
		}
		logger.Warn("APNs rejected notification",
			zap.Int("status", res.StatusCode),
			zap.String("reason", res.Reason))
	}
	return result, nil
}

func (p *APNsProvider) buildNotification(notification *Notification, deviceToken string) *apns2.Notification {
	pl := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body)
	if notification.Sound != "" {
		pl = pl.Sound(notification.Sound)
	}
	if notification.Category != "" {
		pl = pl.Category(notification.Category)
	}
	for k, v := range notification.Data {
		pl = pl.Custom(k, v)
	}

	priority := apns2.PriorityLow
	if notification.Priority == "high" {
		priority = apns2.PriorityHigh
	}

	return &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       p.bundleID,
		Payload:     pl,
		Priority:    priority,
		PushType:    apns2.PushTypeAlert,
	}
}

func isInvalidAPNsToken(reason string) bool {
	switch reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}
