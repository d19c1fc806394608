package runner

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"
)

// const ...
const (
	maxRetryAttempts    = uint(2)
	retryMultiplier     = 2
	randomFactorDefault = 0.5
)

// RetryConfig controls per-sub-item retries of external calls, e.g. one
// photo's vision analysis. Structural step failures are never retried here.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
}

// DefaultRetryConfig ...
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     maxRetryAttempts,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      retryMultiplier,
		RandomFactor:    randomFactorDefault,
	}
}

// NextBackoff ...
func (rc RetryConfig) NextBackoff(attempt uint) time.Duration {
	if rc.InitialInterval <= 0 || rc.MaxInterval <= 0 || rc.Multiplier <= 1 || rc.RandomFactor < 0 || rc.RandomFactor > 1 {
		return rc.InitialInterval
	}

	interval := float64(rc.InitialInterval) * math.Pow(rc.Multiplier, float64(attempt))
	if interval > float64(rc.MaxInterval) {
		interval = float64(rc.MaxInterval)
	}

	maxJitter := rc.RandomFactor * interval
	var jitter float64
	if maxJitter > 0 {
		jitterBig, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter)))
		if err != nil {
			log.WithError(err).Error("Failed to generate jitter, using backoff without jitter")
			return time.Duration(interval)
		}
		jitter = float64(jitterBig.Int64())
	}
	return time.Duration(interval + jitter)
}
