package formula

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent  tokenKind = iota // identifier or keyword
	tkNumber                  // integer or decimal
	tkString                  // 'single-quoted' or "double-quoted"
	tkLParen                  // (
	tkRParen                  // )
	tkEq                      // =
	tkNe                      // != or <>
	tkLt                      // <
	tkGt                      // >
	tkLe                      // <=
	tkGe                      // >=
	tkPlus                    // +
	tkMinus                   // -
	tkAnd                     // AND
	tkOr                      // OR
	tkNot                     // NOT
	tkEOF                     // end of input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// SyntaxError reports a malformed formula and the byte offset of the problem.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula syntax error at position %d: %s", e.Pos, e.Msg)
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '+':
			tokens = append(tokens, token{tkPlus, "+", start})
			i++
		case ch == '-':
			tokens = append(tokens, token{tkMinus, "-", start})
			i++
		case ch == '=':
			// tolerate '==' as well as '='
			if i+1 < n && input[i+1] == '=' {
				i++
			}
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, &SyntaxError{Formula: input, Pos: start, Msg: "unexpected character '!'"}
			}
		case ch == '<':
			switch {
			case i+1 < n && input[i+1] == '=':
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			case i+1 < n && input[i+1] == '>':
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			default:
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '\'' || ch == '"':
			quote := ch
			i++
			var sb strings.Builder
			for i < n && input[i] != quote {
				sb.WriteByte(input[i])
				i++
			}
			if i >= n {
				return nil, &SyntaxError{Formula: input, Pos: start, Msg: "unterminated string"}
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || input[j] == '.' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			word := input[i:j]
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{tkAnd, word, start})
			case "OR":
				tokens = append(tokens, token{tkOr, word, start})
			case "NOT":
				tokens = append(tokens, token{tkNot, word, start})
			default:
				tokens = append(tokens, token{tkIdent, word, start})
			}
			i = j
		default:
			return nil, &SyntaxError{Formula: input, Pos: start, Msg: fmt.Sprintf("unexpected character %q", string(ch))}
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}
