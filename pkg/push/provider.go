package push

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"telecare-backend/pkg/config"
	"telecare-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider builds the provider named by cfg.Provider. The mock provider
// is refused in production.
func NewProvider(ctx context.Context, cfg config.PushConfig, production bool) (Provider, error) {
	providerType := ProviderType(cfg.Provider)
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		return NewFirebaseProvider(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsPath)
	case ProviderTypeAPNs:
		return NewAPNsProvider(APNsConfig{
			BundleID:            cfg.APNsBundleID,
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertPath,
			CertificatePassword: cfg.APNsCertPassword,
			Production:          cfg.APNsProduction,
		})
	case ProviderTypeMock, "":
		if production {
			return nil, errors.New("mock push provider is not allowed in production")
		}
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}
