package recalc

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenEquals
	TokenNumber
	TokenString
	TokenBoolean
	TokenErrorLiteral
	TokenCell
	TokenRange
	TokenFunction
	TokenUnaryPrefixOp
	TokenUnaryPostfixOp
	TokenBinaryOp
	TokenComma
	TokenLeftParen
	TokenRightParen
	TokenIdentifier
	TokenWhitespace
	TokenError
)

var tokenTypeNames = [...]string{
	TokenEOF:            "end of formula",
	TokenEquals:         "'='",
	TokenNumber:         "number",
	TokenString:         "string",
	TokenBoolean:        "boolean",
	TokenErrorLiteral:   "error literal",
	TokenCell:           "cell reference",
	TokenRange:          "range reference",
	TokenFunction:       "function",
	TokenUnaryPrefixOp:  "unary operator",
	TokenUnaryPostfixOp: "postfix operator",
	TokenBinaryOp:       "operator",
	TokenComma:          "','",
	TokenLeftParen:      "'('",
	TokenRightParen:     "')'",
	TokenIdentifier:     "identifier",
	TokenWhitespace:     "whitespace",
	TokenError:          "error",
}

func (t TokenType) String() string {
	if int(t) < len(tokenTypeNames) {
		return tokenTypeNames[t]
	}
	return "unknown"
}

// BinaryOp represents binary operators in expression nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

var binaryOpSymbols = map[BinaryOp]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpPower:        "^",
	BinOpConcat:       "&",
	BinOpEqual:        "=",
	BinOpNotEqual:     "<>",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
}

func (op BinaryOp) String() string {
	return binaryOpSymbols[op]
}

// UnaryOp represents unary operators in expression nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charHash       = '#'
	charDollar     = '$'
	charQuestion   = '?'
)

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterEquals
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterComma
	StateAfterIdentifier
)

// operand tokens may start a value in any position expecting one
var operandTokens = map[TokenType]bool{
	TokenNumber:        true,
	TokenString:        true,
	TokenBoolean:       true,
	TokenErrorLiteral:  true,
	TokenCell:          true,
	TokenRange:         true,
	TokenFunction:      true,
	TokenIdentifier:    true,
	TokenLeftParen:     true,
	TokenUnaryPrefixOp: true,
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:         {TokenEquals: true},
	StateAfterEquals:   operandTokens,
	StateAfterOperator: operandTokens,
	StateAfterComma:    operandTokens,
	StateAfterLeftParen: withTokens(operandTokens,
		TokenRightParen, // empty parens for arg-less functions like PI()
	),
	StateAfterValue: {
		TokenBinaryOp:       true,
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
	},
	StateAfterRightParen: {
		TokenBinaryOp:       true,
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
	},
	StateAfterIdentifier: {
		TokenLeftParen:      true, // function call
		TokenBinaryOp:       true, // named range used as value
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
	},
}

func withTokens(base map[TokenType]bool, extra ...TokenType) map[TokenType]bool {
	out := make(map[TokenType]bool, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for _, t := range extra {
		out[t] = true
	}
	return out
}

// Token represents a lexical token with position information
type Token struct {
	Type  TokenType
	Value string
	Pos   int // rune offset in input
}

// LexerContext restricts a lexer to a set of tokens, used to classify
// literal cell text and reference strings outside of formulas
type LexerContext struct {
	ExpectedTokens map[TokenType]bool
}

// Lexer tokenizes formula expressions
type Lexer struct {
	runes      []rune
	pos        int
	state      TokenState
	parenDepth int
	tokens     []Token
	context    *LexerContext
}

// NewLexer creates a lexer for a full formula ("=...")
func NewLexer(input string) *Lexer {
	return &Lexer{runes: []rune(input), state: StateStart}
}

// newRestrictedLexer creates a lexer that accepts only the given tokens
// and no '=' prefix
func newRestrictedLexer(input string, expected ...TokenType) *Lexer {
	set := make(map[TokenType]bool, len(expected))
	for _, t := range expected {
		set[t] = true
	}
	return &Lexer{
		runes:   []rune(input),
		state:   StateAfterEquals,
		context: &LexerContext{ExpectedTokens: set},
	}
}

// NewLexerForReference creates a lexer for a bare cell or range reference
func NewLexerForReference(input string) *Lexer {
	return newRestrictedLexer(input, TokenCell, TokenRange)
}

// NewLexerForNumber creates a lexer for an optionally signed number
func NewLexerForNumber(input string) *Lexer {
	return newRestrictedLexer(input, TokenUnaryPrefixOp, TokenNumber)
}

// NewLexerForBoolean creates a lexer for TRUE/FALSE
func NewLexerForBoolean(input string) *Lexer {
	return newRestrictedLexer(input, TokenBoolean)
}

// Tokenize tokenizes the entire input. the returned slice always ends with
// a TokenEOF on success.
func (l *Lexer) Tokenize() ([]Token, *ParseError) {
	if l.context == nil && (len(l.runes) == 0 || l.runes[0] != charEqual) {
		return nil, newParseError(0, "formula must start with '='")
	}

	for {
		tok := l.nextToken()
		if tok.Type == TokenError {
			return nil, newParseError(tok.Pos, "%s", tok.Value)
		}
		if !l.validateTransition(tok.Type) {
			if tok.Type == TokenEOF {
				return nil, newParseError(tok.Pos, "unexpected end of formula")
			}
			return nil, newParseError(tok.Pos, "unexpected %s %q", tok.Type, tok.Value)
		}
		l.tokens = append(l.tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
		l.updateState(tok.Type)
	}

	if l.parenDepth > 0 {
		return nil, newParseError(len(l.runes), "unbalanced parentheses: missing closing parenthesis")
	}
	return l.tokens, nil
}

// validateTransition checks if the token type is valid in the current state
func (l *Lexer) validateTransition(tokenType TokenType) bool {
	if l.context != nil {
		// restricted lexers accept only their tokens, plus the terminating EOF
		// once something has been read
		if tokenType == TokenEOF {
			return len(l.tokens) > 0
		}
		return l.context.ExpectedTokens[tokenType]
	}
	return tokenTransitions[l.state][tokenType]
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenEquals:
		l.state = StateAfterEquals
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenCell, TokenRange:
		l.state = StateAfterValue
	case TokenUnaryPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenUnaryPostfixOp:
		// postfix keeps the value state
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenIdentifier, TokenFunction:
		l.state = StateAfterIdentifier
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	startPos := l.pos
	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}

	if isDigit(ch) || (ch == charPeriod && isDigit(l.peek(1))) {
		return l.scanNumber()
	}

	switch ch {
	case charLParen:
		l.pos++
		l.parenDepth++
		return Token{Type: TokenLeftParen, Value: "(", Pos: startPos}
	case charRParen:
		l.pos++
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{Type: TokenError, Value: "unbalanced parentheses: unexpected closing parenthesis", Pos: startPos}
		}
		return Token{Type: TokenRightParen, Value: ")", Pos: startPos}
	case charComma:
		l.pos++
		if l.parenDepth == 0 {
			return Token{Type: TokenError, Value: "unexpected ',' outside of function arguments", Pos: startPos}
		}
		return Token{Type: TokenComma, Value: ",", Pos: startPos}
	case charColon:
		return Token{Type: TokenError, Value: "malformed range reference", Pos: startPos}
	case charPlus, charMinus:
		return l.scanUnaryPrefixOrBinaryOp()
	case charPercent:
		l.pos++
		return Token{Type: TokenUnaryPostfixOp, Value: "%", Pos: startPos}
	case charEqual:
		l.pos++
		// the first '=' is the formula prefix, every other one compares
		if startPos == 0 && l.context == nil {
			return Token{Type: TokenEquals, Value: "=", Pos: startPos}
		}
		return Token{Type: TokenBinaryOp, Value: "=", Pos: startPos}
	case charAsterisk, charSlash, charCaret, charAmpersand, charLess, charGreater, charExclaim:
		return l.scanBinaryOp()
	case charHash:
		return l.scanErrorLiteral()
	}

	if isASCIILetter(ch) || ch == charUnderscore || ch == charDollar {
		return l.scanIdentifierOrCell()
	}

	l.pos++
	return Token{Type: TokenError, Value: "unexpected character: " + string(ch), Pos: startPos}
}

func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		switch l.current() {
		case charSpace, charTab, charNewline, charReturn:
			l.pos++
		default:
			return
		}
	}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isAlphaNumeric(ch rune) bool {
	return isASCIILetter(ch) || isDigit(ch)
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	for isDigit(l.current()) {
		l.pos++
	}

	if l.current() == charPeriod && isDigit(l.peek(1)) {
		l.pos++
		for isDigit(l.current()) {
			l.pos++
		}
	}

	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}
		if !isDigit(l.current()) {
			// not an exponent, leave the 'e' for the next token
			l.pos = savedPos
		} else {
			for isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos}
}

// scanString scans a string literal; "" inside the quotes is an escaped quote
func (l *Lexer) scanString() Token {
	startPos := l.pos
	l.pos++

	var result []rune
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch != charQuote {
			result = append(result, ch)
			l.pos++
			continue
		}
		if l.peek(1) == charQuote {
			result = append(result, charQuote)
			l.pos += 2
			continue
		}
		l.pos++
		return Token{Type: TokenString, Value: string(result), Pos: startPos}
	}

	return Token{Type: TokenError, Value: "unclosed string literal", Pos: startPos}
}

// scanErrorLiteral scans #DIV/0!, #N/A and friends
func (l *Lexer) scanErrorLiteral() Token {
	startPos := l.pos
	l.pos++
	for l.pos < len(l.runes) {
		ch := l.current()
		if isAlphaNumeric(ch) || ch == charSlash {
			l.pos++
			continue
		}
		if ch == charExclaim || ch == charQuestion {
			l.pos++
		}
		break
	}
	value := l.substring(startPos, l.pos)
	if _, ok := errorCodeFromLiteral(value); !ok {
		return Token{Type: TokenError, Value: "unknown error literal " + value, Pos: startPos}
	}
	return Token{Type: TokenErrorLiteral, Value: value, Pos: startPos}
}

// scanCellPart consumes an optionally $-anchored "A1"-shaped run and
// reports whether it forms a cell reference
func (l *Lexer) scanCellPart() (string, bool) {
	start := l.pos
	if l.current() == charDollar {
		l.pos++
	}
	for isASCIILetter(l.current()) {
		l.pos++
	}
	if l.current() == charDollar {
		l.pos++
	}
	for isAlphaNumeric(l.current()) || l.current() == charUnderscore {
		l.pos++
	}
	part := l.substring(start, l.pos)
	return part, isCell(part)
}

// scanIdentifierOrCell scans identifiers, functions, cells, ranges, and booleans
func (l *Lexer) scanIdentifierOrCell() Token {
	startPos := l.pos
	value, cell := l.scanCellPart()
	upperValue := toUpperASCII(value)

	if cell && l.current() == charLParen && value[0] != charDollar {
		// LOG10( is a call, not a reference
		return Token{Type: TokenFunction, Value: upperValue, Pos: startPos}
	}

	if cell {
		if l.current() != charColon {
			return Token{Type: TokenCell, Value: value, Pos: startPos}
		}
		l.pos++
		if _, ok := l.scanCellPart(); !ok {
			return Token{Type: TokenError, Value: "malformed range reference", Pos: startPos}
		}
		return Token{Type: TokenRange, Value: l.substring(startPos, l.pos), Pos: startPos}
	}

	for _, ch := range value {
		if ch == charDollar {
			return Token{Type: TokenError, Value: "malformed reference " + value, Pos: startPos}
		}
	}

	if l.current() == charColon {
		return Token{Type: TokenError, Value: "malformed range reference", Pos: startPos}
	}

	if upperValue == "TRUE" || upperValue == "FALSE" {
		return Token{Type: TokenBoolean, Value: upperValue, Pos: startPos}
	}

	if l.current() == charLParen {
		return Token{Type: TokenFunction, Value: upperValue, Pos: startPos}
	}

	return Token{Type: TokenIdentifier, Value: value, Pos: startPos}
}

// isCell checks if a string is a cell reference (A1, $B$12, aa7)
func isCell(s string) bool {
	i := 0
	if i < len(s) && s[i] == charDollar {
		i++
	}
	letters := i
	for i < len(s) && isASCIILetter(rune(s[i])) {
		i++
	}
	if i == letters {
		return false
	}
	if i < len(s) && s[i] == charDollar {
		i++
	}
	digits := i
	for i < len(s) && isDigit(rune(s[i])) {
		i++
	}
	return i == len(s) && i > digits
}

func toUpperASCII(s string) string {
	result := []rune(s)
	for i, ch := range result {
		if ch >= 'a' && ch <= 'z' {
			result[i] = ch - ('a' - 'A')
		}
	}
	return string(result)
}

// scanUnaryPrefixOrBinaryOp scans + and -, which are unary in operand
// position and binary elsewhere
func (l *Lexer) scanUnaryPrefixOrBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	if l.isUnaryContext() {
		return Token{Type: TokenUnaryPrefixOp, Value: string(ch), Pos: startPos}
	}
	return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}
}

// scanBinaryOp scans binary operators
func (l *Lexer) scanBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	switch ch {
	case charLess:
		switch l.current() {
		case charEqual:
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<=", Pos: startPos}
		case charGreater:
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<>", Pos: startPos}
		}
		return Token{Type: TokenBinaryOp, Value: "<", Pos: startPos}
	case charGreater:
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: ">=", Pos: startPos}
		}
		return Token{Type: TokenBinaryOp, Value: ">", Pos: startPos}
	case charExclaim:
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "!=", Pos: startPos}
		}
		return Token{Type: TokenError, Value: "unexpected '!'", Pos: startPos}
	case charAsterisk, charSlash, charCaret, charAmpersand:
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}
	}

	return Token{Type: TokenError, Value: "unknown operator", Pos: startPos}
}

// isUnaryContext reports whether +/- at this point starts an operand
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateStart, StateAfterEquals, StateAfterOperator, StateAfterLeftParen, StateAfterComma:
		return true
	default:
		return false
	}
}
