package auth

import (
	"chatd/pkg/config"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// NewSecConfig builds a SecConfig from the loaded server configuration.
func NewSecConfig(cfg *config.Config) SecConfig {
	toSet := func(keys []string) map[string]struct{} {
		m := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if k != "" {
				m[k] = struct{}{}
			}
		}
		return m
	}
	return SecConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
		IPWhitelist:    cfg.Security.IPWhitelist,
		BackendKeys:    toSet(cfg.Security.APIKeys.Backend),
		FrontendKeys:   toSet(cfg.Security.APIKeys.Frontend),
		AdminKeys:      toSet(cfg.Security.APIKeys.Admin),
	}
}

// Open reports whether no API keys are configured at all. An open
// gateway skips role checks so local setups work without keys.
func (c SecConfig) Open() bool {
	return len(c.BackendKeys) == 0 && len(c.FrontendKeys) == 0 && len(c.AdminKeys) == 0
}
