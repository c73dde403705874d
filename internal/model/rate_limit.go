package model

import (
	"fmt"
	"time"
)

// Algorithm selects the admission algorithm of a rate limit rule.
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
)

// PartitionDimension is the request attribute a rule buckets by.
type PartitionDimension string

const (
	PartitionIP       PartitionDimension = "ip"
	PartitionUser     PartitionDimension = "user"
	PartitionEndpoint PartitionDimension = "endpoint"
	PartitionCustom   PartitionDimension = "custom"
)

// RateLimitRule is the static configuration of one logical bucket.
// Rules are registered at startup and not mutated at runtime.
type RateLimitRule struct {
	// Key is the logical bucket name, e.g. "api" or "failed_auth".
	Key string
	// Requests is the admission quota per Window.
	Requests int
	// Window is the measurement window.
	Window time.Duration
	// Algorithm selects how the quota is enforced.
	Algorithm Algorithm
	// BurstMultiplier scales token bucket capacity above Requests.
	// Values below 1 are treated as 1.
	BurstMultiplier float64
	// Per is the partition dimension of the bucket.
	Per PartitionDimension
}

// RateLimitDecision is the outcome of one admission check.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Window     time.Duration `json:"window"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetTime  time.Time     `json:"reset_time"`
}

// RequestContext carries the request attributes a rule may partition by.
// ClientIP is expected to already honor proxy header precedence.
type RequestContext struct {
	ClientIP string
	UserID   string
	Method   string
	Path     string
	Custom   string
}

// PartitionValue resolves the bucket partition for the given dimension.
// Unresolvable values collapse to "unknown" so a missing attribute
// degrades to one shared bucket instead of failing the check.
func (rc RequestContext) PartitionValue(per PartitionDimension) string {
	var v string
	switch per {
	case PartitionIP:
		v = rc.ClientIP
	case PartitionUser:
		v = rc.UserID
	case PartitionEndpoint:
		if rc.Method != "" || rc.Path != "" {
			v = fmt.Sprintf("%s:%s", rc.Method, rc.Path)
		}
	case PartitionCustom:
		v = rc.Custom
	}
	if v == "" {
		return "unknown"
	}
	return v
}

// SlidingState is the outcome of one sorted-set admission round trip.
// Count includes the candidate entry that was just recorded.
type SlidingState struct {
	Count  int64
	Oldest time.Time
}

// BucketState is the outcome of one token bucket take.
type BucketState struct {
	Allowed bool
	Tokens  float64
}
