package workflow

import (
	"github.com/swarmguard/flowctl/internal/gateway"
	"github.com/swarmguard/flowctl/internal/resilience"
)

// MergeConfig shallow-merges config layers in precedence order: each
// later layer's keys win over earlier ones, and unknown keys simply
// pass through untouched (spec §4.4's workflow→group→phase→item table).
func MergeConfig(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// ResolveGatewayConfig decodes a merged config map into a gateway.Config,
// leaving resilience primitives to be wired in by the caller (they are
// shared, long-lived objects rather than config-map values).
func ResolveGatewayConfig(merged map[string]any, cb *resilience.CircuitBreaker, rl *resilience.RateLimiter, cl *resilience.ConcurrencyLimiter) gateway.Config {
	cfg := gateway.Config{
		CircuitBreaker: cb,
		RateLimiter:    rl,
		ConcurrencyLimiter: cl,
	}
	if v, ok := merged["concurrentExecution"].(bool); ok {
		cfg.ConcurrentExecution = v
	}
	if v, ok := merged["stopOnFirstError"].(bool); ok {
		cfg.StopOnFirstError = v
	}
	if v, ok := merged["enableRacing"].(bool); ok {
		cfg.EnableRacing = v
	}
	if v, ok := merged["maxConcurrentRequests"].(int); ok {
		cfg.MaxConcurrentRequests = v
	}
	return cfg
}
