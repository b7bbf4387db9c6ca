package execution

import "time"

const (
	// LeaseTTL is how long a lease stays valid without renewal.
	LeaseTTL = 90 * time.Second
	// HealthyThreshold is the heartbeat recency below which a running
	// execution is considered healthy.
	HealthyThreshold = 60 * time.Second
	// StaleThreshold is the heartbeat age beyond which an execution is stale.
	StaleThreshold = 10 * time.Minute
	// StartupGrace covers workers that have not sent a first heartbeat yet.
	StartupGrace = 2 * time.Minute
)

// Health is the three-tier liveness classification of a running execution.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthUnknown Health = "unknown"
	HealthStale   Health = "stale"
)

// CalculateExpiry returns the lease expiry for a lease taken or renewed at now.
func CalculateExpiry(now time.Time) time.Time {
	return now.Add(LeaseTTL)
}

// IsExpired reports whether a lease expiring at expiresAt has expired at now.
// The boundary is inclusive: now == expiresAt is expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// IsStale reports whether lastHeartbeat is missing or older than StaleThreshold.
func IsStale(lastHeartbeat *time.Time, now time.Time) bool {
	if lastHeartbeat == nil {
		return true
	}
	return now.Sub(*lastHeartbeat) > StaleThreshold
}

// ComputeHealth classifies a running execution. For any other status it
// returns ok == false.
func ComputeHealth(status Status, startedAt time.Time, lastHeartbeat *time.Time, now time.Time) (Health, bool) {
	if status != StatusRunning {
		return "", false
	}

	if lastHeartbeat != nil {
		age := now.Sub(*lastHeartbeat)
		switch {
		case age < HealthyThreshold:
			return HealthHealthy, true
		case age <= StaleThreshold:
			return HealthUnknown, true
		default:
			return HealthStale, true
		}
	}

	sinceStart := now.Sub(startedAt)
	switch {
	case sinceStart < StartupGrace:
		return HealthHealthy, true
	case sinceStart <= StaleThreshold:
		return HealthUnknown, true
	default:
		return HealthStale, true
	}
}
