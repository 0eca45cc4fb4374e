package config

import "time"

type SessionConfig interface {
	GetSafetyMargin() time.Duration
	GetRequestTimeout() time.Duration
	GetRetryBase() time.Duration
	GetRetryCap() time.Duration
	GetRetryMax() uint64
	GetJWKSTTL() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

// GetSafetyMargin is how long before expiry the session is refreshed.
func (Session) GetSafetyMargin() time.Duration {
	return GetEnvDuration("SESSION_SAFETY_MARGIN", 60*time.Second)
}

func (Session) GetRequestTimeout() time.Duration {
	return GetEnvDuration("SESSION_REQUEST_TIMEOUT", 15*time.Second)
}

func (Session) GetRetryBase() time.Duration {
	return GetEnvDuration("SESSION_RETRY_BASE", 2*time.Second)
}

func (Session) GetRetryCap() time.Duration {
	return GetEnvDuration("SESSION_RETRY_CAP", time.Minute)
}

func (Session) GetRetryMax() uint64 {
	return GetEnvUint("SESSION_RETRY_MAX", 5)
}

func (Session) GetJWKSTTL() time.Duration {
	return GetEnvDuration("JWKS_TTL", 10*time.Minute)
}
