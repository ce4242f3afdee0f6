package usecase

import (
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// LoginSignals are the heuristics evaluated for one login attempt.
type LoginSignals struct {
	NewDevice   bool
	NewLocation bool
	TooQuick    bool
}

// Suspicious combines the signals: an unknown device, or a different IP
// shortly after the previous login.
func (s LoginSignals) Suspicious() bool {
	return s.NewDevice || (s.NewLocation && s.TooQuick)
}

// AnomalyDetector flags logins for monitoring. It is advisory and never blocks.
type AnomalyDetector struct {
	// MinInterval is the shortest plausible gap between logins from different IPs.
	MinInterval time.Duration
}

// Evaluate inspects the stored history of u against the request metadata.
func (d AnomalyDetector) Evaluate(u *domain.User, meta domain.RequestMeta, now time.Time) LoginSignals {
	var s LoginSignals
	s.NewDevice = meta.DeviceFingerprint != "" && !u.KnowsDevice(meta.DeviceFingerprint)
	s.NewLocation = meta.IP != "" && u.LastLoginIP != "" && u.LastLoginIP != meta.IP
	// No prior login means an infinite gap.
	if u.LastLoginAt != nil {
		s.TooQuick = now.Sub(*u.LastLoginAt) < d.MinInterval
	}
	return s
}
