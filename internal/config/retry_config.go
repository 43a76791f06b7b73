package config

import (
	"time"
)

// RetryConfig holds same-key retry settings for upstream calls.
type RetryConfig struct {
	// MaxRetries is the number of retries on one key after the first attempt.
	MaxRetries int
	// BackoffBase is multiplied by 2^attempt between retries.
	BackoffBase time.Duration
}

// GetRetryConfig returns the retry configuration.
// In test environments, uses much shorter delays for faster test execution.
func (c Config) GetRetryConfig() RetryConfig {
	if c.IsTest() {
		return RetryConfig{MaxRetries: c.RetryMaxRetries, BackoffBase: 10 * time.Millisecond}
	}
	return RetryConfig{
		MaxRetries:  c.RetryMaxRetries,
		BackoffBase: time.Duration(c.RetryBackoffBaseSeconds) * time.Second,
	}
}

// ConsensusConfig bounds the multi-run consensus loop.
type ConsensusConfig struct {
	InterRunDelay     time.Duration
	RetryInterval     time.Duration
	MaxAttemptsPerRun int
	MaxTotalAttempts  int
	MaxDuration       time.Duration
}

// GetConsensusConfig returns the consensus configuration.
func (c Config) GetConsensusConfig() ConsensusConfig {
	if c.IsTest() {
		return ConsensusConfig{
			InterRunDelay:     0,
			RetryInterval:     10 * time.Millisecond,
			MaxAttemptsPerRun: c.ConsensusMaxAttemptsPerRun,
			MaxTotalAttempts:  c.ConsensusMaxTotalAttempts,
			MaxDuration:       30 * time.Second,
		}
	}
	return ConsensusConfig{
		InterRunDelay:     c.ConsensusInterRunDelay,
		RetryInterval:     c.ConsensusRetryInterval,
		MaxAttemptsPerRun: c.ConsensusMaxAttemptsPerRun,
		MaxTotalAttempts:  c.ConsensusMaxTotalAttempts,
		MaxDuration:       c.ConsensusMaxDuration,
	}
}
