package permission

import (
	"context"

	"go.uber.org/zap"

	"telecare-backend/internal/service/device"
	"telecare-backend/pkg/logger"
)

// SelfTestResult is the outcome for one device
type SelfTestResult struct {
	Kind           device.Kind     `json:"kind"`
	OK             bool            `json:"ok"`
	Classification *Classification `json:"classification,omitempty"`
	ReleaseError   string          `json:"release_error,omitempty"`
}

// SelfTest acquires and immediately releases each device, reporting a
// classified result per device. One device failing does not stop the others.
// With no kinds given, camera and microphone are tested.
func SelfTest(ctx context.Context, src device.Source, kinds ...device.Kind) []SelfTestResult {
	if len(kinds) == 0 {
		kinds = []device.Kind{device.Camera, device.Microphone}
	}

	results := make([]SelfTestResult, 0, len(kinds))
	for _, kind := range kinds {
		mgr := device.NewManager(src, nil, nil)
		res := SelfTestResult{Kind: kind}

		if err := mgr.Enable(ctx, kind); err != nil {
			c := Classify(err)
			res.Classification = &c
			logger.Info("Device self-test failed",
				zap.String("kind", string(kind)),
				zap.String("classification", string(c.Kind)),
				zap.Error(err))
			results = append(results, res)
			continue
		}

		res.OK = true
		if err := mgr.ReleaseAll(ctx); err != nil {
			res.ReleaseError = err.Error()
		}
		results = append(results, res)
	}
	return results
}
