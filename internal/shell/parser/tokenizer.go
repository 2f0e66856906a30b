package parser

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a token
type TokenType int

const (
	WORD            TokenType = iota
	PIPE                      // |
	REDIRECT_OUT              // >
	REDIRECT_APPEND           // >>
	REDIRECT_IN               // <
	REDIRECT_ERR              // 2>
	REDIRECT_ALL              // &>
	AND                       // &&
	OR                        // ||
	SEMICOLON                 // ;
	NEWLINE                   // \n
	BACKGROUND                // &
	EOF
)

func (t TokenType) String() string {
	switch t {
	case WORD:
		return "word"
	case PIPE:
		return "'|'"
	case REDIRECT_OUT:
		return "'>'"
	case REDIRECT_APPEND:
		return "'>>'"
	case REDIRECT_IN:
		return "'<'"
	case REDIRECT_ERR:
		return "'2>'"
	case REDIRECT_ALL:
		return "'&>'"
	case AND:
		return "'&&'"
	case OR:
		return "'||'"
	case SEMICOLON:
		return "';'"
	case NEWLINE:
		return "newline"
	case BACKGROUND:
		return "'&'"
	case EOF:
		return "end of input"
	default:
		return fmt.Sprintf("token(%d)", int(t))
	}
}

// Token represents a single token. Word is set for WORD tokens.
type Token struct {
	Type     TokenType
	Value    string
	Word     Word
	Position int
}

// SyntaxError reports malformed input.
type SyntaxError struct {
	Position int
	Msg      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Position, e.Msg)
}

// Tokenizer breaks input into tokens
type Tokenizer struct {
	input    string
	position int
	current  rune
}

// NewTokenizer creates a new tokenizer. A leading "#!" line is skipped.
func NewTokenizer(input string) *Tokenizer {
	t := &Tokenizer{input: input}

	if strings.HasPrefix(input, "#!") {
		for t.position < len(input) && input[t.position] != '\n' {
			t.position++
		}
	}

	if t.position < len(input) {
		t.current = rune(input[t.position])
	}
	return t
}

// advance moves to the next character
func (t *Tokenizer) advance() {
	t.position++
	if t.position >= len(t.input) {
		t.current = 0
	} else {
		t.current = rune(t.input[t.position])
	}
}

// peek returns the next character without advancing
func (t *Tokenizer) peek() rune {
	if t.position+1 >= len(t.input) {
		return 0
	}
	return rune(t.input[t.position+1])
}

// skipWhitespace skips spaces, tabs and escaped newlines
func (t *Tokenizer) skipWhitespace() {
	for t.current != 0 {
		switch {
		case isSpace(t.current):
			t.advance()
		case t.current == '\\' && t.peek() == '\n':
			t.advance()
			t.advance()
		default:
			return
		}
	}
}

// skipComment skips from # to end of line
func (t *Tokenizer) skipComment() {
	for t.current != 0 && t.current != '\n' {
		t.advance()
	}
}

// isSpecialChar checks if current character ends an unquoted word
func (t *Tokenizer) isSpecialChar() bool {
	switch t.current {
	case '|', '>', '<', '&', ';', '\n':
		return true
	default:
		return isSpace(t.current)
	}
}

// Input is scanned byte by byte. Bytes of multi-byte UTF-8 sequences are
// never separators, so they pass through as literal text.
func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\v' || c == '\f'
}

func isNameStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c rune) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// wordBuilder accumulates literal text and parameter references.
type wordBuilder struct {
	parts []Part
	lit   strings.Builder
}

func (b *wordBuilder) writeRune(r rune) { b.lit.WriteByte(byte(r)) }

func (b *wordBuilder) param(name string) {
	b.flush()
	b.parts = append(b.parts, Part{Param: name})
}

func (b *wordBuilder) flush() {
	if b.lit.Len() > 0 {
		b.parts = append(b.parts, Part{Literal: b.lit.String()})
		b.lit.Reset()
	}
}

func (b *wordBuilder) word(raw string, quoted bool) Word {
	b.flush()
	return Word{Parts: b.parts, Raw: raw, Quoted: quoted}
}

// readWord reads one word, joining adjacent quoted and unquoted pieces.
func (t *Tokenizer) readWord() (Word, error) {
	start := t.position
	b := &wordBuilder{}
	quoted := false

	if t.current == '~' && (t.peek() == '/' || t.peek() == 0 || isSpace(t.peek())) {
		b.param("HOME")
		t.advance()
	}

	for t.current != 0 && !t.isSpecialChar() {
		switch t.current {
		case '\\':
			t.advance()
			if t.current == 0 {
				return Word{}, &SyntaxError{Position: start, Msg: "trailing backslash"}
			}
			if t.current != '\n' {
				b.writeRune(t.current)
			}
			t.advance()
		case '\'':
			quoted = true
			if err := t.readSingleQuoted(b); err != nil {
				return Word{}, err
			}
		case '"':
			quoted = true
			if err := t.readDoubleQuoted(b); err != nil {
				return Word{}, err
			}
		case '$':
			t.readParam(b)
		default:
			b.writeRune(t.current)
			t.advance()
		}
	}

	return b.word(t.input[start:t.position], quoted), nil
}

// readSingleQuoted reads '...' literally
func (t *Tokenizer) readSingleQuoted(b *wordBuilder) error {
	start := t.position
	t.advance()
	for t.current != 0 && t.current != '\'' {
		b.writeRune(t.current)
		t.advance()
	}
	if t.current != '\'' {
		return &SyntaxError{Position: start, Msg: "unterminated quoted string"}
	}
	t.advance()
	return nil
}

// readDoubleQuoted reads "..." with escapes and parameter expansion
func (t *Tokenizer) readDoubleQuoted(b *wordBuilder) error {
	start := t.position
	t.advance()
	for t.current != 0 && t.current != '"' {
		switch t.current {
		case '\\':
			t.advance()
			if t.current == 0 {
				return &SyntaxError{Position: start, Msg: "unterminated quoted string"}
			}
			switch t.current {
			case 'n':
				b.writeRune('\n')
			case 't':
				b.writeRune('\t')
			case 'r':
				b.writeRune('\r')
			case '\n':
			default:
				b.writeRune(t.current)
			}
			t.advance()
		case '$':
			t.readParam(b)
		default:
			b.writeRune(t.current)
			t.advance()
		}
	}
	if t.current != '"' {
		return &SyntaxError{Position: start, Msg: "unterminated quoted string"}
	}
	t.advance()
	return nil
}

// readParam reads $NAME, ${NAME} and the special parameters. A "$" that
// starts none of them is literal.
func (t *Tokenizer) readParam(b *wordBuilder) {
	t.advance()
	switch {
	case t.current == '{':
		end := strings.IndexByte(t.input[t.position:], '}')
		if end < 0 {
			b.writeRune('$')
			return
		}
		name := t.input[t.position+1 : t.position+end]
		if !validName(name) && !isSpecialParam(name) {
			b.writeRune('$')
			return
		}
		for i := 0; i <= end; i++ {
			t.advance()
		}
		b.param(name)
	case t.current != 0 && strings.ContainsRune("?$!#@*", t.current), t.current >= '0' && t.current <= '9':
		b.param(string(t.current))
		t.advance()
	case isNameStart(t.current):
		start := t.position
		for isNameChar(t.current) {
			t.advance()
		}
		b.param(t.input[start:t.position])
	default:
		b.writeRune('$')
	}
}

func isSpecialParam(name string) bool {
	if len(name) != 1 {
		return false
	}
	return strings.Contains("?$!#@*0123456789", name)
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if isNameStart(r) || (i > 0 && isNameChar(r)) {
			continue
		}
		return false
	}
	return true
}

// ValidName reports whether name can be used as a variable name.
func ValidName(name string) bool { return validName(name) }

// NextToken returns the next token
func (t *Tokenizer) NextToken() (Token, error) {
	for {
		t.skipWhitespace()

		if t.current == 0 {
			return Token{Type: EOF, Position: t.position}, nil
		}

		if t.current == '#' {
			t.skipComment()
			continue
		}

		position := t.position

		switch t.current {
		case '\n':
			t.advance()
			return Token{Type: NEWLINE, Value: "\n", Position: position}, nil

		case ';':
			t.advance()
			return Token{Type: SEMICOLON, Value: ";", Position: position}, nil

		case '|':
			if t.peek() == '|' {
				t.advance()
				t.advance()
				return Token{Type: OR, Value: "||", Position: position}, nil
			}
			t.advance()
			return Token{Type: PIPE, Value: "|", Position: position}, nil

		case '&':
			if t.peek() == '&' {
				t.advance()
				t.advance()
				return Token{Type: AND, Value: "&&", Position: position}, nil
			}
			if t.peek() == '>' {
				t.advance()
				t.advance()
				return Token{Type: REDIRECT_ALL, Value: "&>", Position: position}, nil
			}
			t.advance()
			return Token{Type: BACKGROUND, Value: "&", Position: position}, nil

		case '>':
			if t.peek() == '>' {
				t.advance()
				t.advance()
				return Token{Type: REDIRECT_APPEND, Value: ">>", Position: position}, nil
			}
			t.advance()
			return Token{Type: REDIRECT_OUT, Value: ">", Position: position}, nil

		case '<':
			t.advance()
			return Token{Type: REDIRECT_IN, Value: "<", Position: position}, nil

		case '2':
			if t.peek() == '>' {
				t.advance()
				t.advance()
				return Token{Type: REDIRECT_ERR, Value: "2>", Position: position}, nil
			}
		}

		word, err := t.readWord()
		if err != nil {
			return Token{}, err
		}
		if word.Raw == "" {
			return Token{}, &SyntaxError{Position: position, Msg: fmt.Sprintf("unexpected character %q", t.current)}
		}
		return Token{Type: WORD, Value: word.Raw, Word: word, Position: position}, nil
	}
}

// TokenizeAll returns all tokens from the input
func (t *Tokenizer) TokenizeAll() ([]Token, error) {
	var tokens []Token
	for {
		token, err := t.NextToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
		if token.Type == EOF {
			return tokens, nil
		}
	}
}
