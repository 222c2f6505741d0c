// Package policy holds the static permission tables mapping a credential
// tier to its rate-limit profile and SQL restriction profile.
package policy

import (
	"github.com/nimbusdb/sqlgate/internal/models"
)

// RateProfile bounds how fast and how much a credential may execute.
type RateProfile struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	DailyQuota        int `json:"daily_quota"`
	MaxConcurrent     int `json:"max_concurrent"`
	MaxQuerySize      int `json:"max_query_size"`
}

// RestrictionProfile is the SQL rule set in force for a tier.
// AllowedOperations containing "*" means every verb is permitted.
type RestrictionProfile struct {
	AllowedOperations []string `json:"allowed_operations"`
	BlockedPatterns   []string `json:"blocked_patterns"`
	AllowedSchemas    []string `json:"allowed_schemas"`
	BlockedTables     []string `json:"blocked_tables"`
	MaxQuerySize      int      `json:"max_query_size"`
}

// Wildcard reports whether every operation is permitted.
func (p RestrictionProfile) Wildcard() bool {
	for _, op := range p.AllowedOperations {
		if op == "*" {
			return true
		}
	}
	return false
}

// Allows reports whether the given query verb is permitted for this profile.
func (p RestrictionProfile) Allows(op string) bool {
	if p.Wildcard() {
		return true
	}
	for _, allowed := range p.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

var rateLimits = map[models.Tier]RateProfile{
	models.TierReadOnly: {
		RequestsPerMinute: 20,
		DailyQuota:        500,
		MaxConcurrent:     2,
		MaxQuerySize:      4096,
	},
	models.TierStandard: {
		RequestsPerMinute: 30,
		DailyQuota:        1000,
		MaxConcurrent:     3,
		MaxQuerySize:      8192,
	},
	models.TierDeveloper: {
		RequestsPerMinute: 50,
		DailyQuota:        2000,
		MaxConcurrent:     5,
		MaxQuerySize:      16384,
	},
	models.TierAdmin: {
		RequestsPerMinute: 100,
		DailyQuota:        5000,
		MaxConcurrent:     10,
		MaxQuerySize:      32768,
	},
}

var restrictions = map[models.Tier]RestrictionProfile{
	models.TierReadOnly: {
		AllowedOperations: []string{"SELECT"},
		BlockedPatterns:   []string{"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER", "TRUNCATE"},
		AllowedSchemas:    []string{"public"},
		BlockedTables:     []string{"auth.*", "storage.*", "realtime.*"},
	},
	models.TierStandard: {
		AllowedOperations: []string{"SELECT", "INSERT", "UPDATE"},
		BlockedPatterns:   []string{"DROP DATABASE", "DROP SCHEMA", "DELETE FROM auth", "TRUNCATE auth", "ALTER SYSTEM"},
		AllowedSchemas:    []string{"public"},
		BlockedTables:     []string{"auth.users", "auth.refresh_tokens", "storage.*", "realtime.*"},
	},
	models.TierDeveloper: {
		AllowedOperations: []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE TABLE", "ALTER TABLE"},
		BlockedPatterns:   []string{"DROP DATABASE", "DROP SCHEMA", "DELETE FROM auth", "ALTER SYSTEM", "CREATE EXTENSION"},
		AllowedSchemas:    []string{"public"},
		BlockedTables:     []string{"auth.users", "auth.refresh_tokens"},
	},
	models.TierAdmin: {
		AllowedOperations: []string{"*"},
		BlockedPatterns:   []string{"ALTER SYSTEM", "pg_terminate_backend"},
		AllowedSchemas:    []string{"public", "custom"},
		BlockedTables:     []string{},
	},
}

// RateLimits returns the rate profile for a tier. Unknown tiers fall back
// to the standard profile.
func RateLimits(tier models.Tier) RateProfile {
	if p, ok := rateLimits[tier]; ok {
		return p
	}
	return rateLimits[models.TierStandard]
}

// Restrictions returns the SQL restriction profile for a tier, with the
// tier's query size cap attached. Unknown tiers fall back to standard.
func Restrictions(tier models.Tier) RestrictionProfile {
	p, ok := restrictions[tier]
	if !ok {
		p = restrictions[models.TierStandard]
		tier = models.TierStandard
	}
	p.MaxQuerySize = RateLimits(tier).MaxQuerySize
	return p
}
