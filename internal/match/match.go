// Package match extracts dependency specifiers from source text without
// executing or fully parsing it.
package match

import "strings"

// Kind distinguishes the source dialect a Matcher scans.
type Kind int

const (
	// Script matches require()/import specifiers in JS-family source.
	Script Kind = iota
	// Style matches @import specifiers in CSS-family source.
	Style
)

// scanner states
const (
	stCode = iota
	stLineComment
	stBlockComment
	stSingleQuote
	stDoubleQuote
	stTemplate
)

// FindAll extracts every dependency specifier reachable from source,
// honoring string/comment regions and statically-evaluable conditionals.
// It never fails on malformed input: best-effort results only.
func FindAll(kind Kind, source string) []string {
	switch kind {
	case Style:
		return findAllStyle(source)
	default:
		return findAllScript(source)
	}
}

// findAllScript scans for require("x") and import ... from "x" forms,
// skipping string/comment regions, and respects statically-evaluable
// "LIT" == "LIT" guards around blocks of code.
func findAllScript(source string) []string {
	var specs []string
	n := len(source)
	state := stCode
	var quote byte

	// gate tracks nesting of brace-delimited blocks whose guarding
	// condition statically evaluated to false; while gate > 0 the scanner
	// keeps tracking braces but does not emit specifiers.
	braceDepth := 0
	var falseGateDepths []int

	i := 0
	for i < n {
		c := source[i]

		switch state {
		case stLineComment:
			if c == '\n' {
				state = stCode
			}
			i++
			continue
		case stBlockComment:
			if c == '*' && i+1 < n && source[i+1] == '/' {
				state = stCode
				i += 2
				continue
			}
			i++
			continue
		case stSingleQuote, stDoubleQuote:
			if c == '\\' {
				i += 2
				continue
			}
			if c == quote {
				state = stCode
			}
			i++
			continue
		case stTemplate:
			if c == '\\' {
				i += 2
				continue
			}
			if c == '`' {
				state = stCode
			}
			i++
			continue
		}

		// stCode
		switch {
		case c == '/' && i+1 < n && source[i+1] == '/':
			state = stLineComment
			i += 2
			continue
		case c == '/' && i+1 < n && source[i+1] == '*':
			state = stBlockComment
			i += 2
			continue
		case c == '\'':
			quote = '\''
			state = stSingleQuote
			i++
			continue
		case c == '"':
			quote = '"'
			state = stDoubleQuote
			i++
			continue
		case c == '`':
			state = stTemplate
			i++
			continue
		case c == '{':
			braceDepth++
			i++
			continue
		case c == '}':
			if braceDepth > 0 {
				braceDepth--
			}
			if len(falseGateDepths) > 0 && falseGateDepths[len(falseGateDepths)-1] == braceDepth {
				falseGateDepths = falseGateDepths[:len(falseGateDepths)-1]
			}
			i++
			continue
		}

		suppressed := len(falseGateDepths) > 0

		if cond, ok, adv := matchStaticGuard(source, i); ok {
			i += adv
			if !cond {
				falseGateDepths = append(falseGateDepths, braceDepth)
			}
			continue
		}

		if !suppressed {
			if spec, adv, ok := matchRequireOrImport(source, i); ok {
				specs = append(specs, spec)
				i += adv
				continue
			}
		}

		i++
	}

	return specs
}

// matchStaticGuard recognizes `if ("LIT" == "LIT")` / `if ("LIT" != "LIT")`
// at position i and reports the boolean result of the comparison plus how
// many bytes to advance past the `if (...)` header (up to and including the
// closing parenthesis; an opening brace after it is left for the caller).
func matchStaticGuard(source string, i int) (result bool, ok bool, advance int) {
	n := len(source)
	if !isWordStart(source, i, "if") {
		return false, false, 0
	}
	j := i + 2
	j = skipSpace(source, j)
	if j >= n || source[j] != '(' {
		return false, false, 0
	}
	j++
	j = skipSpace(source, j)

	lhs, j2, ok := readStringLiteral(source, j)
	if !ok {
		return false, false, 0
	}
	j = skipSpace(source, j2)

	var negate bool
	if strings.HasPrefix(source[j:], "==") {
		j += 2
	} else if strings.HasPrefix(source[j:], "!=") {
		negate = true
		j += 2
	} else {
		return false, false, 0
	}
	j = skipSpace(source, j)

	rhs, j3, ok := readStringLiteral(source, j)
	if !ok {
		return false, false, 0
	}
	j = skipSpace(source, j3)
	if j >= n || source[j] != ')' {
		return false, false, 0
	}
	j++

	eq := lhs == rhs
	if negate {
		eq = !eq
	}
	return eq, true, j - i
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func readStringLiteral(s string, i int) (value string, next int, ok bool) {
	if i >= len(s) || (s[i] != '"' && s[i] != '\'') {
		return "", i, false
	}
	q := s[i]
	j := i + 1
	start := j
	for j < len(s) && s[j] != q {
		if s[j] == '\\' {
			j++
		}
		j++
	}
	if j >= len(s) {
		return "", i, false
	}
	return s[start:j], j + 1, true
}

// matchRequireOrImport attempts to match a require("x") call or an
// import ... from "x" / import "x" statement starting at i, returning the
// specifier, the number of bytes consumed (only enough to not re-scan the
// matched keyword; the string literal itself is still scanned normally by
// the caller), and whether a match occurred.
func matchRequireOrImport(source string, i int) (spec string, advance int, ok bool) {
	if isWordStart(source, i, "require") {
		j := skipSpace(source, i+len("require"))
		if j < len(source) && source[j] == '(' {
			j = skipSpace(source, j+1)
			if lit, _, ok := readStringLiteral(source, j); ok {
				return lit, len("require"), true
			}
		}
		return "", 0, false
	}

	if isWordStart(source, i, "import") {
		j := i + len("import")

		// import "x";
		if lit, _, ok := readStringLiteral(source, skipSpace(source, j)); ok {
			return lit, len("import"), true
		}

		// import ... from "x" — "from" must appear before the statement
		// ends (next semicolon) or within a bounded lookahead window, so a
		// malformed or adversarial input can't force an unbounded scan.
		window := source[j:]
		if stop := strings.IndexByte(window, ';'); stop >= 0 && stop < len(window) {
			window = window[:stop]
		} else if len(window) > 512 {
			window = window[:512]
		}
		if idx := strings.Index(window, "from"); idx >= 0 {
			k := skipSpace(source, j+idx+len("from"))
			if lit, _, ok := readStringLiteral(source, k); ok {
				return lit, len("import"), true
			}
		}
		return "", 0, false
	}

	return "", 0, false
}

func isWordStart(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	if i > 0 && isIdentByte(s[i-1]) {
		return false
	}
	end := i + len(word)
	if end < len(s) && isIdentByte(s[end]) {
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// findAllStyle scans for @import "x" and @import url(x) forms in CSS-family
// source, skipping string/comment regions.
func findAllStyle(source string) []string {
	var specs []string
	n := len(source)
	i := 0
	inBlockComment := false

	for i < n {
		if inBlockComment {
			if source[i] == '*' && i+1 < n && source[i+1] == '/' {
				inBlockComment = false
				i += 2
				continue
			}
			i++
			continue
		}
		if source[i] == '/' && i+1 < n && source[i+1] == '*' {
			inBlockComment = true
			i += 2
			continue
		}
		if source[i] == '"' || source[i] == '\'' {
			_, next, ok := readStringLiteral(source, i)
			if !ok {
				i++
				continue
			}
			i = next
			continue
		}

		if isWordStart(source, i, "@import") {
			j := skipSpace(source, i+len("@import"))
			if lit, _, ok := readStringLiteral(source, j); ok {
				specs = append(specs, lit)
				i = j
				continue
			}
			if strings.HasPrefix(source[j:], "url(") {
				j += len("url(")
				j = skipSpace(source, j)
				if lit, next, ok := readStringLiteral(source, j); ok {
					specs = append(specs, lit)
					i = next
					continue
				}
				// bare url(path) without quotes
				end := strings.IndexByte(source[j:], ')')
				if end >= 0 {
					specs = append(specs, strings.TrimSpace(source[j:j+end]))
					i = j + end + 1
					continue
				}
			}
		}

		i++
	}

	return specs
}
