package biz

import (
	"sync"
	"time"

	"MailGuard/internal/conf"
	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Security-sensitive bucket names. Exceeding one of these is an audit
// event, not just traffic shaping.
const (
	RuleFailedAuth = "failed_auth"
	RuleSuspicious = "suspicious"
	RuleBruteForce = "brute_force"
)

// RuleAPI is the default bucket applied by the admission middleware.
const RuleAPI = "api"

// RuleRegistry holds the static rate limit rules of the process. Rules
// are seeded at construction; Register is idempotent so startup code
// may re-declare rules safely.
type RuleRegistry struct {
	mu       sync.RWMutex
	rules    map[string]model.RateLimitRule
	security map[string]bool

	logger *log.Helper
}

// NewRuleRegistry creates a registry seeded with the default API rule
// and the stricter security rule set.
func NewRuleRegistry(c *conf.RateLimit, logger log.Logger) *RuleRegistry {
	requests := 100
	window := time.Minute
	if c != nil {
		if c.DefaultRequests > 0 {
			requests = int(c.DefaultRequests)
		}
		if c.DefaultWindow != nil && c.DefaultWindow.AsDuration() > 0 {
			window = c.DefaultWindow.AsDuration()
		}
	}

	r := &RuleRegistry{
		rules:    make(map[string]model.RateLimitRule),
		security: make(map[string]bool),
		logger:   log.NewHelper(logger),
	}

	r.Register(model.RateLimitRule{
		Key:       RuleAPI,
		Requests:  requests,
		Window:    window,
		Algorithm: model.AlgorithmSlidingWindow,
		Per:       model.PartitionIP,
	})
	r.Register(model.RateLimitRule{
		Key:             "api_burst",
		Requests:        requests,
		Window:          window,
		Algorithm:       model.AlgorithmTokenBucket,
		BurstMultiplier: 1.5,
		Per:             model.PartitionIP,
	})

	// Security escalation buckets: small quotas, long windows.
	r.RegisterSecurity(model.RateLimitRule{
		Key:       RuleFailedAuth,
		Requests:  5,
		Window:    5 * time.Minute,
		Algorithm: model.AlgorithmSlidingWindow,
		Per:       model.PartitionIP,
	})
	r.RegisterSecurity(model.RateLimitRule{
		Key:       RuleSuspicious,
		Requests:  10,
		Window:    10 * time.Minute,
		Algorithm: model.AlgorithmSlidingWindow,
		Per:       model.PartitionIP,
	})
	r.RegisterSecurity(model.RateLimitRule{
		Key:       RuleBruteForce,
		Requests:  3,
		Window:    15 * time.Minute,
		Algorithm: model.AlgorithmFixedWindow,
		Per:       model.PartitionIP,
	})

	return r
}

// Register adds a rule if its key is not taken yet.
func (r *RuleRegistry) Register(rule model.RateLimitRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[rule.Key]; ok {
		return
	}
	r.rules[rule.Key] = rule
	r.logger.Debugw("rate limit rule registered",
		"rule", rule.Key,
		"requests", rule.Requests,
		"window", rule.Window,
		"algorithm", rule.Algorithm)
}

// RegisterSecurity adds a rule and marks it security-sensitive.
func (r *RuleRegistry) RegisterSecurity(rule model.RateLimitRule) {
	r.Register(rule)
	r.mu.Lock()
	r.security[rule.Key] = true
	r.mu.Unlock()
}

// Get returns the rule for key.
func (r *RuleRegistry) Get(key string) (model.RateLimitRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[key]
	return rule, ok
}

// IsSecurity reports whether key names a security-sensitive bucket.
func (r *RuleRegistry) IsSecurity(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.security[key]
}

// Names lists all registered rule keys.
func (r *RuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	return names
}
