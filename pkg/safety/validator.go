// Package safety classifies candidate SQL before it can reach the database.
// The validator is pure and stateless: the same candidate always yields the
// same verdict, and acceptance carries a normalized form that is the only
// text the orchestrator may execute.
package safety

import (
	"strings"
)

// Reason is an internal rejection reason code. Reasons are recorded in turn
// history but never surfaced verbatim to end users.
type Reason string

const (
	// ReasonNone marks an accepted candidate.
	ReasonNone Reason = ""

	// ReasonEmpty rejects an empty or whitespace-only candidate.
	ReasonEmpty Reason = "empty_query"

	// ReasonNotReadOnly rejects statements that are not a read-only select
	// form (mutating, DDL, or administrative statements included).
	ReasonNotReadOnly Reason = "not_read_only"

	// ReasonMultipleStatements rejects statement stacking.
	ReasonMultipleStatements Reason = "multiple_statements"

	// ReasonDisallowedIdentifier rejects references outside the allow-list.
	ReasonDisallowedIdentifier Reason = "identifier_not_allowed"

	// ReasonTooLong rejects candidates above the length budget.
	ReasonTooLong Reason = "query_too_long"
)

// Verdict is the immutable outcome of validating one candidate query.
type Verdict struct {
	// Accepted reports whether the candidate may execute.
	Accepted bool

	// Normalized is the whitespace-collapsed, keyword-uppercased form.
	// Execution must use exactly this text. Empty when rejected.
	Normalized string

	// Reason is the rejection reason code, ReasonNone when accepted.
	Reason Reason

	// Detail carries internal context for the rejection (e.g. the
	// offending identifier). Never shown to end users.
	Detail string
}

// Config configures a Validator.
type Config struct {
	// MaxQueryLength is the maximum candidate length in bytes.
	MaxQueryLength int

	// AllowedTables maps allow-listed table names to their columns. Both
	// levels are consulted when checking identifiers.
	AllowedTables map[string][]string
}

// Validator accepts or rejects candidate queries. It holds only immutable
// derived configuration and is safe for concurrent use.
type Validator struct {
	maxLen  int
	allowed map[string]bool
}

// readOnlyLeaders are the statement-leading keywords considered read-only.
var readOnlyLeaders = map[string]bool{
	"SELECT": true,
	"WITH":   true,
}

// keywordSet holds SQL keywords and builtin functions uppercased during
// normalization and exempt from the identifier allow-list.
var keywordSet = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "inner": true,
	"left": true, "right": true, "outer": true, "cross": true, "on": true,
	"as": true, "and": true, "or": true, "not": true, "in": true, "is": true,
	"null": true, "like": true, "between": true, "order": true, "by": true,
	"group": true, "having": true, "limit": true, "offset": true,
	"distinct": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "union": true, "all": true, "exists": true, "asc": true,
	"desc": true, "with": true, "true": true, "false": true, "interval": true,
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"concat": true, "coalesce": true, "ifnull": true, "nullif": true,
	"now": true, "curdate": true, "date": true, "year": true, "month": true,
	"day": true, "cast": true, "convert": true, "substring": true,
	"lower": true, "upper": true, "trim": true, "length": true, "round": true,
	"abs": true, "if": true,
}

// NewValidator creates a validator from configuration. The allow-list is
// flattened to a lowercased identifier set covering tables and columns.
func NewValidator(cfg Config) *Validator {
	allowed := make(map[string]bool)
	for table, columns := range cfg.AllowedTables {
		allowed[strings.ToLower(table)] = true
		for _, col := range columns {
			allowed[strings.ToLower(col)] = true
		}
	}
	return &Validator{
		maxLen:  cfg.MaxQueryLength,
		allowed: allowed,
	}
}

// Validate classifies one candidate query.
func (v *Validator) Validate(candidate string) Verdict {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return reject(ReasonEmpty, "")
	}
	if v.maxLen > 0 && len(trimmed) > v.maxLen {
		return reject(ReasonTooLong, "")
	}

	tokens := lexSQL(trimmed)
	if len(tokens) == 0 {
		return reject(ReasonEmpty, "")
	}

	// A single trailing separator is tolerated and stripped; anything
	// beyond that is statement stacking.
	tokens = stripTrailingSemicolon(tokens)
	for _, t := range tokens {
		if t.kind == tokenSymbol && t.text == ";" {
			return reject(ReasonMultipleStatements, "")
		}
	}

	lead := leadingWord(tokens)
	if !readOnlyLeaders[strings.ToUpper(lead)] {
		return reject(ReasonNotReadOnly, strings.ToUpper(lead))
	}

	ids := identifiers(tokens, keywordSet)
	for id := range ids {
		if !v.allowed[id] {
			return reject(ReasonDisallowedIdentifier, id)
		}
	}

	return Verdict{
		Accepted:   true,
		Normalized: normalize(tokens),
	}
}

// IsReadOnlyStatement reports whether a statement's leading keyword is a
// read-only select form. The executor uses this as a final gate so nothing
// unvalidated slips through.
func IsReadOnlyStatement(sql string) bool {
	tokens := lexSQL(sql)
	return readOnlyLeaders[strings.ToUpper(leadingWord(tokens))]
}

// reject builds a rejecting verdict.
func reject(reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// leadingWord returns the first word token, empty if none.
func leadingWord(tokens []token) string {
	for _, t := range tokens {
		if t.kind == tokenWord {
			return t.text
		}
		if t.kind != tokenSymbol || t.text != "(" {
			break
		}
	}
	return ""
}

// stripTrailingSemicolon removes at most one trailing separator.
func stripTrailingSemicolon(tokens []token) []token {
	if len(tokens) > 0 {
		last := tokens[len(tokens)-1]
		if last.kind == tokenSymbol && last.text == ";" {
			return tokens[:len(tokens)-1]
		}
	}
	return tokens
}

// normalize renders tokens as a single-spaced statement with keywords
// uppercased. Identifiers and literals pass through untouched; comments were
// already dropped by the lexer.
func normalize(tokens []token) string {
	var b strings.Builder
	for i, t := range tokens {
		text := t.text
		switch t.kind {
		case tokenWord:
			if keywordSet[strings.ToLower(text)] {
				text = strings.ToUpper(text)
			}
		case tokenQuotedIdent:
			q := string(t.quote)
			text = q + strings.ReplaceAll(text, q, q+q) + q
		case tokenLiteral, tokenSymbol:
		}

		if i > 0 && needsSpace(tokens[i-1], t) {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

// needsSpace decides whether a space separates two adjacent tokens in the
// normalized form.
func needsSpace(prev, cur token) bool {
	if cur.kind == tokenSymbol {
		switch cur.text {
		case ",", ")", ".", ";":
			return false
		}
	}
	if prev.kind == tokenSymbol {
		switch prev.text {
		case "(", ".":
			return false
		}
	}
	return true
}
