package safety

import "strings"

// tokenKind classifies lexed SQL tokens.
type tokenKind int

const (
	// tokenWord is a bareword: keyword, function name, or identifier.
	tokenWord tokenKind = iota

	// tokenQuotedIdent is a double-quote or backtick quoted identifier.
	tokenQuotedIdent

	// tokenLiteral is a single-quoted string literal, quotes included.
	tokenLiteral

	// tokenSymbol is any other non-space character (punctuation, operator).
	tokenSymbol
)

// token is one lexed SQL token.
type token struct {
	kind  tokenKind
	text  string
	quote byte // original quote character for tokenQuotedIdent
}

// lexSQL tokenizes a SQL string in a single pass. Comments are dropped,
// string literals are kept verbatim, quoted identifiers keep their quote
// character. The lexer is dialect-agnostic because it works at the lexical
// level, not the grammar level.
func lexSQL(sql string) []token {
	var tokens []token
	n := len(sql)
	pos := 0

	for pos < n {
		ch := sql[pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			pos++
		case ch == '\'':
			var lit string
			lit, pos = readSingleQuoted(sql, pos, n)
			tokens = append(tokens, token{kind: tokenLiteral, text: lit})
		case ch == '"' || ch == '`':
			var id string
			id, pos = readQuoted(sql, pos, n, ch)
			tokens = append(tokens, token{kind: tokenQuotedIdent, text: id, quote: ch})
		case isBlockCommentStart(sql, pos, n):
			pos = skipBlockComment(sql, pos, n)
		case isLineCommentStart(sql, pos, n):
			pos = skipLineComment(sql, pos, n)
		case isWordStart(ch):
			var word string
			word, pos = readWord(sql, pos, n)
			tokens = append(tokens, token{kind: tokenWord, text: word})
		default:
			tokens = append(tokens, token{kind: tokenSymbol, text: string(ch)})
			pos++
		}
	}
	return tokens
}

// identifiers returns the lowercased set of identifier-like tokens.
// Words in the exempt set (keywords, builtin functions) are skipped.
func identifiers(tokens []token, exempt map[string]bool) map[string]bool {
	ids := make(map[string]bool)
	for _, t := range tokens {
		switch t.kind {
		case tokenWord:
			lower := strings.ToLower(t.text)
			if !exempt[lower] && !isNumeric(t.text) {
				ids[lower] = true
			}
		case tokenQuotedIdent:
			ids[strings.ToLower(t.text)] = true
		case tokenLiteral, tokenSymbol:
		}
	}
	return ids
}

// readSingleQuoted reads a single-quoted literal, quotes and '' escapes
// included, and returns it verbatim with the position after it.
func readSingleQuoted(sql string, pos, n int) (lit string, next int) {
	start := pos
	pos++ // opening quote
	for pos < n {
		if sql[pos] == '\'' {
			pos++
			// '' is an escaped quote inside the literal
			if pos < n && sql[pos] == '\'' {
				pos++
				continue
			}
			return sql[start:pos], pos
		}
		pos++
	}
	return sql[start:pos], pos
}

// readQuoted reads a quoted identifier delimited by quote, handling doubled
// delimiters as escapes, and returns the bare identifier text.
func readQuoted(sql string, pos, n int, quote byte) (id string, next int) {
	pos++ // opening quote
	var b strings.Builder
	for pos < n {
		if sql[pos] == quote {
			pos++
			if pos < n && sql[pos] == quote {
				b.WriteByte(quote)
				pos++
				continue
			}
			return b.String(), pos
		}
		b.WriteByte(sql[pos])
		pos++
	}
	return b.String(), pos
}

// isBlockCommentStart reports whether pos is at the start of a block comment.
func isBlockCommentStart(sql string, pos, n int) bool {
	return sql[pos] == '/' && pos+1 < n && sql[pos+1] == '*'
}

// isLineCommentStart reports whether pos is at the start of a line comment.
func isLineCommentStart(sql string, pos, n int) bool {
	if sql[pos] == '-' && pos+1 < n && sql[pos+1] == '-' {
		return true
	}
	return sql[pos] == '#'
}

// skipBlockComment advances past a /* ... */ block comment.
func skipBlockComment(sql string, pos, n int) int {
	pos += 2
	for pos+1 < n {
		if sql[pos] == '*' && sql[pos+1] == '/' {
			return pos + 2
		}
		pos++
	}
	return n
}

// skipLineComment advances past a -- or # comment to end of line.
func skipLineComment(sql string, pos, n int) int {
	for pos < n && sql[pos] != '\n' {
		pos++
	}
	return pos
}

// readWord reads a bareword (letters, digits, underscores).
func readWord(sql string, pos, n int) (word string, next int) {
	start := pos
	for pos < n && isWordChar(sql[pos]) {
		pos++
	}
	return sql[start:pos], pos
}

// isWordStart reports whether ch can start a bareword. Digits are included
// so numeric literals lex as words and are filtered out later.
func isWordStart(ch byte) bool {
	return isWordChar(ch)
}

// isWordChar reports whether ch can continue a bareword.
func isWordChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') || ch == '_'
}

// isNumeric reports whether a word is a numeric literal.
func isNumeric(word string) bool {
	for i := 0; i < len(word); i++ {
		if word[i] < '0' || word[i] > '9' {
			if word[i] == '.' {
				continue
			}
			return false
		}
	}
	return len(word) > 0
}
