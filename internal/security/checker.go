// Package security screens SQL query text against a layered rule set before
// it is allowed anywhere near a live instance. The contract is pattern-based
// policy screening, not semantic analysis: query text plus a restriction
// profile in, an allow/deny decision with a named rule and severity out.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/nimbusdb/sqlgate/internal/policy"
)

// Severity of a violated rule. Attached explicitly to every rule rather
// than derived from the rejection message.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Decision is the transient outcome of one check. Never persisted, only logged.
type Decision struct {
	Allowed  bool
	Rule     string
	Reason   string
	Severity Severity
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func denied(rule, reason string, sev Severity) Decision {
	return Decision{Rule: rule, Reason: reason, Severity: sev}
}

type pattern struct {
	re     *regexp.Regexp
	reason string
}

// Structural abuse guards. These bound request cost, not correctness.
const (
	maxStatements = 5
	maxSubqueries = 3
	maxJoins      = 10
)

// Checker is a stateless evaluator; one instance is shared by all requests.
type Checker struct {
	critical   []pattern
	protected  []pattern
	injection  []pattern
	dangerous  []pattern
	subqueryRe *regexp.Regexp
	joinRe     *regexp.Regexp
	schemaRe   *regexp.Regexp
	tableRes   []*regexp.Regexp
}

// NewChecker compiles the built-in denylists.
func NewChecker() *Checker {
	return &Checker{
		// Absolute system-destructive operations, denied for every tier.
		critical: compile([]string{
			`(?i)DROP\s+DATABASE`,
			`(?i)DROP\s+SCHEMA`,
			`(?i)ALTER\s+SYSTEM`,
			`(?i)CREATE\s+EXTENSION`,
			`(?i)pg_terminate_backend`,
			`(?i)pg_cancel_backend`,
			`(?i)DELETE\s+FROM\s+pg_`,
			`(?i)UPDATE\s+pg_`,
			`(?i)COPY\s+.*\s+FROM\s+PROGRAM`,
			`\\\\`,
			`(?i)xp_cmdshell`,
			`(?i)sp_configure`,
		}),
		// Mutations against reserved auth/storage/realtime namespaces.
		protected: compile([]string{
			`(?i)DELETE\s+FROM\s+auth\.`,
			`(?i)TRUNCATE\s+auth\.`,
			`(?i)DROP\s+TABLE\s+auth\.`,
			`(?i)ALTER\s+TABLE\s+auth\.users`,
			`(?i)DELETE\s+FROM\s+storage\.`,
			`(?i)TRUNCATE\s+storage\.`,
			`(?i)DELETE\s+FROM\s+realtime\.`,
		}),
		// Heuristics for statement stacking, tautologies and comment tricks.
		injection: compile([]string{
			`(?i);\s*DROP`,
			`(?i);\s*DELETE`,
			`(?i);\s*UPDATE`,
			`(?i)UNION\s+SELECT.*FROM\s+information_schema`,
			`1=1`,
			`(?i)'.*OR.*'.*=.*'`,
			`(?i)--.*password`,
			`/\*.*\*/`,
		}),
		// Engine functions reaching the host filesystem or other databases.
		dangerous: compile([]string{
			`(?i)pg_read_file`,
			`(?i)pg_write_file`,
			`(?i)pg_execute_server_program`,
			`(?i)lo_import`,
			`(?i)lo_export`,
			`(?i)dblink`,
			`(?i)pg_stat_file`,
		}),
		subqueryRe: regexp.MustCompile(`(?i)\(\s*SELECT`),
		joinRe:     regexp.MustCompile(`(?i)\s+JOIN\s+`),
		schemaRe:   regexp.MustCompile(`(\w+)\.\w+`),
		tableRes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)FROM\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)JOIN\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)UPDATE\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)INSERT\s+INTO\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)DELETE\s+FROM\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)ALTER\s+TABLE\s+(\w+(?:\.\w+)?)`),
			regexp.MustCompile(`(?i)DROP\s+TABLE\s+(\w+(?:\.\w+)?)`),
		},
	}
}

func compile(exprs []string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, pattern{re: regexp.MustCompile(e), reason: e})
	}
	return out
}

// Check evaluates a query against the profile. Checks run in a fixed order
// and short-circuit on the first violation, so evaluation is fail-closed.
func (c *Checker) Check(query string, profile policy.RestrictionProfile) Decision {
	if d := checkWellFormed(query); !d.Allowed {
		return d
	}
	for _, p := range c.critical {
		if p.re.MatchString(query) {
			return denied("critical_pattern",
				fmt.Sprintf("query contains blocked critical pattern: %s", p.reason),
				SeverityCritical)
		}
	}
	for _, p := range c.protected {
		if p.re.MatchString(query) {
			return denied("protected_namespace",
				fmt.Sprintf("query modifies protected system tables: %s", p.reason),
				SeverityCritical)
		}
	}
	for _, p := range c.injection {
		if p.re.MatchString(query) {
			return denied("injection_pattern",
				fmt.Sprintf("query matches SQL injection pattern: %s", p.reason),
				SeverityHigh)
		}
	}
	for _, p := range c.dangerous {
		if p.re.MatchString(query) {
			return denied("dangerous_function",
				fmt.Sprintf("query uses blocked function: %s", p.reason),
				SeverityHigh)
		}
	}
	if d := checkOperation(query, profile); !d.Allowed {
		return d
	}
	if d := checkBlockedPatterns(query, profile); !d.Allowed {
		return d
	}
	if d := c.checkSchemas(query, profile); !d.Allowed {
		return d
	}
	if d := c.checkTables(query, profile); !d.Allowed {
		return d
	}
	if d := checkSize(query, profile); !d.Allowed {
		return d
	}
	if d := c.checkStructure(query); !d.Allowed {
		return d
	}
	return allowed()
}

func checkWellFormed(query string) Decision {
	if strings.TrimSpace(query) == "" {
		return denied("well_formed", "empty SQL query", SeverityHigh)
	}
	if strings.ContainsRune(query, 0x00) || strings.ContainsRune(query, 0x1a) {
		return denied("well_formed", "query contains null or control bytes", SeverityHigh)
	}
	return allowed()
}

func checkOperation(query string, profile policy.RestrictionProfile) Decision {
	op := QueryType(query)
	if !profile.Allows(op) {
		return denied("operation_not_allowed",
			fmt.Sprintf("operation %s is not permitted for this permission tier", op),
			SeverityMedium)
	}
	return allowed()
}

func checkBlockedPatterns(query string, profile policy.RestrictionProfile) Decision {
	for _, p := range profile.BlockedPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			// An unparseable pattern must not open a hole.
			return denied("blocked_pattern",
				fmt.Sprintf("unusable blocked pattern: %s", p), SeverityMedium)
		}
		if re.MatchString(query) {
			return denied("blocked_pattern",
				fmt.Sprintf("query contains blocked pattern: %s", p), SeverityMedium)
		}
	}
	return allowed()
}

func (c *Checker) checkSchemas(query string, profile policy.RestrictionProfile) Decision {
	if len(profile.AllowedSchemas) == 0 {
		return allowed()
	}
	for _, schema := range c.ExtractSchemas(query) {
		if !contains(profile.AllowedSchemas, schema) {
			return denied("schema_not_allowed",
				fmt.Sprintf("access to schema %q is not permitted", schema),
				SeverityMedium)
		}
	}
	return allowed()
}

func (c *Checker) checkTables(query string, profile policy.RestrictionProfile) Decision {
	if len(profile.BlockedTables) == 0 {
		return allowed()
	}
	for _, table := range c.ExtractTables(query) {
		for _, glob := range profile.BlockedTables {
			re, err := regexp.Compile(`(?i)` + strings.ReplaceAll(regexp.QuoteMeta(glob), `\*`, `.*`))
			if err != nil {
				continue
			}
			if re.MatchString(table) {
				return denied("table_blocked",
					fmt.Sprintf("access to table %q is not permitted", table),
					SeverityMedium)
			}
		}
	}
	return allowed()
}

func checkSize(query string, profile policy.RestrictionProfile) Decision {
	max := profile.MaxQuerySize
	if max <= 0 {
		max = 8192
	}
	if len(query) > max {
		return denied("query_too_large",
			fmt.Sprintf("query is %d bytes (maximum: %d)", len(query), max),
			SeverityLow)
	}
	return allowed()
}

func (c *Checker) checkStructure(query string) Decision {
	statements := 0
	for _, s := range strings.Split(query, ";") {
		if strings.TrimSpace(s) != "" {
			statements++
		}
	}
	if statements > maxStatements {
		return denied("too_many_statements",
			fmt.Sprintf("too many statements in one request (maximum: %d)", maxStatements),
			SeverityLow)
	}
	if n := len(c.subqueryRe.FindAllStringIndex(query, -1)); n > maxSubqueries {
		return denied("too_many_subqueries",
			fmt.Sprintf("too many nested subqueries (maximum: %d)", maxSubqueries),
			SeverityLow)
	}
	if n := len(c.joinRe.FindAllStringIndex(query, -1)); n > maxJoins {
		return denied("too_many_joins",
			fmt.Sprintf("too many JOIN clauses (maximum: %d)", maxJoins),
			SeverityLow)
	}
	return allowed()
}

// QueryType classifies the query's primary verb.
func QueryType(query string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(trimmed, "SELECT"):
		return "SELECT"
	case strings.HasPrefix(trimmed, "INSERT"):
		return "INSERT"
	case strings.HasPrefix(trimmed, "UPDATE"):
		return "UPDATE"
	case strings.HasPrefix(trimmed, "DELETE"):
		return "DELETE"
	case strings.HasPrefix(trimmed, "CREATE TABLE"):
		return "CREATE TABLE"
	case strings.HasPrefix(trimmed, "ALTER TABLE"):
		return "ALTER TABLE"
	case strings.HasPrefix(trimmed, "DROP TABLE"):
		return "DROP TABLE"
	case strings.HasPrefix(trimmed, "CREATE INDEX"):
		return "CREATE INDEX"
	case strings.HasPrefix(trimmed, "CREATE"):
		return "CREATE"
	case strings.HasPrefix(trimmed, "ALTER"):
		return "ALTER"
	case strings.HasPrefix(trimmed, "DROP"):
		return "DROP"
	case strings.HasPrefix(trimmed, "TRUNCATE"):
		return "TRUNCATE"
	}
	return "UNKNOWN"
}

// ExtractSchemas returns the non-public schemas referenced by
// schema-qualified identifiers. The default namespace is always implicitly
// allowed, so it is skipped here.
func (c *Checker) ExtractSchemas(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range c.schemaRe.FindAllStringSubmatch(query, -1) {
		schema := strings.ToLower(m[1])
		if schema == "public" || seen[schema] {
			continue
		}
		seen[schema] = true
		out = append(out, schema)
	}
	return out
}

// ExtractTables returns table identifiers referenced after FROM/JOIN/UPDATE/
// INSERT INTO/DELETE FROM and the table DDL verbs.
func (c *Checker) ExtractTables(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range c.tableRes {
		for _, m := range re.FindAllStringSubmatch(query, -1) {
			table := strings.ToLower(m[1])
			if seen[table] {
				continue
			}
			seen[table] = true
			out = append(out, table)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Hash returns the SHA-256 hex digest of a query for audit logs.
func Hash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Preview truncates a query for audit logs.
func Preview(query string, n int) string {
	if len(query) <= n {
		return query
	}
	return query[:n]
}

var sanitizers = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)password\s*=\s*'[^']*'`), "password='***'"},
	{regexp.MustCompile(`(?i)token\s*=\s*'[^']*'`), "token='***'"},
	// Long quoted literals are likely tokens or keys.
	{regexp.MustCompile(`'[^']{32,}'`), "'***'"},
}

// Sanitize masks password/token-like literals so raw secrets never reach
// plaintext logs.
func Sanitize(query string) string {
	for _, s := range sanitizers {
		query = s.re.ReplaceAllString(query, s.repl)
	}
	return query
}
