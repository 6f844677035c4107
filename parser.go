package recalc

import (
	"sort"
	"strconv"
	"strings"
)

type NodePosition struct {
	Start int
	End   int
}

// Node is one vertex of a compiled expression tree. trees are immutable once
// built; the evaluator walks them with a type switch.
type Node interface {
	Position() NodePosition
	String() string
}

// StringNode represents a string literal
type StringNode struct {
	Value string
	Pos   NodePosition
}

func (n *StringNode) Position() NodePosition { return n.Pos }

func (n *StringNode) String() string {
	return `"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`
}

// NumberNode represents a numeric literal
type NumberNode struct {
	Value float64
	Pos   NodePosition
}

func (n *NumberNode) Position() NodePosition { return n.Pos }

func (n *NumberNode) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

// BooleanNode represents TRUE or FALSE
type BooleanNode struct {
	Value bool
	Pos   NodePosition
}

func (n *BooleanNode) Position() NodePosition { return n.Pos }

func (n *BooleanNode) String() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

// ErrorNode represents an error literal such as #N/A
type ErrorNode struct {
	Code ErrorCode
	Pos  NodePosition
}

func (n *ErrorNode) Position() NodePosition { return n.Pos }

func (n *ErrorNode) String() string { return ErrorMapper[n.Code] }

// CellRefNode references a single cell
type CellRefNode struct {
	Cell CellID
	Pos  NodePosition
}

func (n *CellRefNode) Position() NodePosition { return n.Pos }

func (n *CellRefNode) String() string { return string(n.Cell) }

// RangeNode references a block of cells. Cells is fixed when the formula is
// compiled and does not follow later growth of the region.
type RangeNode struct {
	Range RangeAddress
	Cells []CellID
	Name  string // set when the range came from a named range
	Pos   NodePosition
}

func (n *RangeNode) Position() NodePosition { return n.Pos }

func (n *RangeNode) String() string { return n.Range.String() }

// NameNode is an identifier that did not resolve to a named range
type NameNode struct {
	Name string
	Pos  NodePosition
}

func (n *NameNode) Position() NodePosition { return n.Pos }

func (n *NameNode) String() string { return normalizeName(n.Name) }

// BinaryOpNode represents a binary operation
type BinaryOpNode struct {
	Op    BinaryOp
	Left  Node
	Right Node
	Pos   NodePosition
}

func (n *BinaryOpNode) Position() NodePosition { return n.Pos }

func (n *BinaryOpNode) String() string {
	return "(" + n.Left.String() + n.Op.String() + n.Right.String() + ")"
}

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op      UnaryOp
	Operand Node
	Pos     NodePosition
}

func (n *UnaryOpNode) Position() NodePosition { return n.Pos }

func (n *UnaryOpNode) String() string {
	switch n.Op {
	case UnaryOpMinus:
		return "-" + n.Operand.String()
	case UnaryOpPercent:
		return "(" + n.Operand.String() + "%)"
	default:
		return "+" + n.Operand.String()
	}
}

// FunctionCallNode represents a function call; Name is upper case
type FunctionCallNode struct {
	Name string
	Args []Node
	Pos  NodePosition
}

func (n *FunctionCallNode) Position() NodePosition { return n.Pos }

func (n *FunctionCallNode) String() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.String()
	}
	return n.Name + "(" + strings.Join(args, ",") + ")"
}

// ParserContext bounds references and resolves named ranges
type ParserContext struct {
	MaxRows       uint32
	MaxColumns    uint32
	MaxRangeCells uint64
	ResolveName   func(name string) (RangeAddress, bool)
}

// DefaultParserContext uses the default grid bounds and no names
func DefaultParserContext() *ParserContext {
	cfg := DefaultConfig()
	return &ParserContext{
		MaxRows:       cfg.MaxRows,
		MaxColumns:    cfg.MaxColumns,
		MaxRangeCells: cfg.MaxRangeCells,
	}
}

// Parser turns a token stream into an expression tree
type Parser struct {
	tokens  []Token
	pos     int
	context *ParserContext

	refs  map[CellID]struct{}
	names map[string]struct{}
	funcs map[string]struct{}
}

// NewParser creates a parser over tokens produced by the lexer
func NewParser(tokens []Token, context *ParserContext) *Parser {
	if context == nil {
		context = DefaultParserContext()
	}
	return &Parser{
		tokens:  tokens,
		context: context,
		refs:    make(map[CellID]struct{}),
		names:   make(map[string]struct{}),
		funcs:   make(map[string]struct{}),
	}
}

// Parse compiles formula text. failures are returned as *ParseError.
func Parse(text string, context *ParserContext) (*Formula, error) {
	tokens, perr := NewLexer(text).Tokenize()
	if perr != nil {
		return nil, perr
	}
	p := NewParser(tokens, context)
	root, perr := p.Parse()
	if perr != nil {
		return nil, perr
	}
	return &Formula{
		Text:       text,
		Root:       root,
		References: p.references(),
		Names:      sortedKeys(p.names),
		Functions:  sortedKeys(p.funcs),
	}, nil
}

// Parse parses the token stream, skipping the leading '='
func (p *Parser) Parse() (Node, *ParseError) {
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenEquals {
		p.pos++
	}
	if p.peek().Type == TokenEOF {
		return nil, newParseError(p.peek().Pos, "empty formula")
	}

	node, err := p.parseConcatenation()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, newParseError(tok.Pos, "unexpected %s %q", tok.Type, tok.Value)
	}
	return node, nil
}

func (p *Parser) peek() Token {
	if p.pos >= len(p.tokens) {
		end := 0
		if len(p.tokens) > 0 {
			end = p.tokens[len(p.tokens)-1].Pos
		}
		return Token{Type: TokenEOF, Pos: end}
	}
	return p.tokens[p.pos]
}

func (p *Parser) binaryOpAt() (string, bool) {
	tok := p.peek()
	return tok.Value, tok.Type == TokenBinaryOp
}

func span(left, right Node) NodePosition {
	return NodePosition{Start: left.Position().Start, End: right.Position().End}
}

// parseConcatenation handles '&', the loosest binding operator
func (p *Parser) parseConcatenation() (Node, *ParseError) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	for {
		if op, ok := p.binaryOpAt(); !ok || op != "&" {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: BinOpConcat, Left: left, Right: right, Pos: span(left, right)}
	}
}

var comparisonOps = map[string]BinaryOp{
	"=":  BinOpEqual,
	"<>": BinOpNotEqual,
	"!=": BinOpNotEqual,
	"<":  BinOpLess,
	"<=": BinOpLessEqual,
	">":  BinOpGreater,
	">=": BinOpGreaterEqual,
}

// parseComparison handles = <> < <= > >=
func (p *Parser) parseComparison() (Node, *ParseError) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}

	for {
		value, ok := p.binaryOpAt()
		op, isComparison := comparisonOps[value]
		if !ok || !isComparison {
			return left, nil
		}
		p.pos++
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right, Pos: span(left, right)}
	}
}

// parseAddition handles addition and subtraction
func (p *Parser) parseAddition() (Node, *ParseError) {
	left, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}

	for {
		var op BinaryOp
		switch value, ok := p.binaryOpAt(); {
		case ok && value == "+":
			op = BinOpAdd
		case ok && value == "-":
			op = BinOpSubtract
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parseMultiplication()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right, Pos: span(left, right)}
	}
}

// parseMultiplication handles multiplication and division
func (p *Parser) parseMultiplication() (Node, *ParseError) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}

	for {
		var op BinaryOp
		switch value, ok := p.binaryOpAt(); {
		case ok && value == "*":
			op = BinOpMultiply
		case ok && value == "/":
			op = BinOpDivide
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right, Pos: span(left, right)}
	}
}

// parsePower handles exponentiation, right-associative
func (p *Parser) parsePower() (Node, *ParseError) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	if value, ok := p.binaryOpAt(); ok && value == "^" {
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &BinaryOpNode{Op: BinOpPower, Left: left, Right: right, Pos: span(left, right)}, nil
	}

	return left, nil
}

// parseUnary handles prefix + and -, which bind tighter than any binary
// operator (so -2^2 is 4)
func (p *Parser) parseUnary() (Node, *ParseError) {
	tok := p.peek()
	if tok.Type != TokenUnaryPrefixOp {
		return p.parsePostfix()
	}

	op := UnaryOpPlus
	if tok.Value == "-" {
		op = UnaryOpMinus
	}
	p.pos++
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &UnaryOpNode{
		Op:      op,
		Operand: operand,
		Pos:     NodePosition{Start: tok.Pos, End: operand.Position().End},
	}, nil
}

// parsePostfix handles one or more trailing percent signs
func (p *Parser) parsePostfix() (Node, *ParseError) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.peek().Type == TokenUnaryPostfixOp {
		tok := p.peek()
		p.pos++
		node = &UnaryOpNode{
			Op:      UnaryOpPercent,
			Operand: node,
			Pos:     NodePosition{Start: node.Position().Start, End: tok.Pos + 1},
		}
	}
	return node, nil
}

// parsePrimary handles literals, references, function calls and
// parenthesised expressions
func (p *Parser) parsePrimary() (Node, *ParseError) {
	tok := p.peek()
	pos := NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value))}

	switch tok.Type {
	case TokenNumber:
		p.pos++
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, newParseError(tok.Pos, "invalid number %q", tok.Value)
		}
		return &NumberNode{Value: val, Pos: pos}, nil

	case TokenString:
		p.pos++
		pos.End += 2 // quotes
		return &StringNode{Value: tok.Value, Pos: pos}, nil

	case TokenBoolean:
		p.pos++
		return &BooleanNode{Value: tok.Value == "TRUE", Pos: pos}, nil

	case TokenErrorLiteral:
		p.pos++
		code, _ := errorCodeFromLiteral(tok.Value)
		return &ErrorNode{Code: code, Pos: pos}, nil

	case TokenCell:
		p.pos++
		return p.parseCellReference(tok, pos)

	case TokenRange:
		p.pos++
		return p.parseRange(tok, pos)

	case TokenIdentifier:
		p.pos++
		return p.parseName(tok, pos)

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.pos++
		node, err := p.parseConcatenation()
		if err != nil {
			return nil, err
		}
		if p.peek().Type != TokenRightParen {
			return nil, newParseError(p.peek().Pos, "expected closing parenthesis")
		}
		p.pos++
		return node, nil

	case TokenEOF:
		return nil, newParseError(tok.Pos, "unexpected end of formula")

	default:
		return nil, newParseError(tok.Pos, "unexpected %s %q", tok.Type, tok.Value)
	}
}

// parseFunctionCall parses NAME(arg, arg, ...)
func (p *Parser) parseFunctionCall() (Node, *ParseError) {
	funcTok := p.peek()
	p.pos++
	if p.peek().Type != TokenLeftParen {
		return nil, newParseError(p.peek().Pos, "expected '(' after function name")
	}
	p.pos++
	p.funcs[funcTok.Value] = struct{}{}

	args := []Node{}
	if p.peek().Type == TokenRightParen {
		end := p.peek().Pos + 1
		p.pos++
		return &FunctionCallNode{Name: funcTok.Value, Args: args, Pos: NodePosition{Start: funcTok.Pos, End: end}}, nil
	}

	for {
		arg, err := p.parseConcatenation()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		switch tok := p.peek(); tok.Type {
		case TokenRightParen:
			p.pos++
			return &FunctionCallNode{Name: funcTok.Value, Args: args, Pos: NodePosition{Start: funcTok.Pos, End: tok.Pos + 1}}, nil
		case TokenComma:
			p.pos++
		default:
			return nil, newParseError(tok.Pos, "expected ',' or ')' in arguments of %s", funcTok.Value)
		}
	}
}

// resolveAddress checks a reference against the grid bounds
func (p *Parser) resolveAddress(ref string, pos int) (Address, *ParseError) {
	addr, err := parseAddress(ref)
	if err != nil {
		return Address{}, newRefError(pos, "invalid reference %s: %v", ref, err)
	}
	if p.context.MaxRows > 0 && addr.Row >= p.context.MaxRows {
		return Address{}, newRefError(pos, "reference %s is beyond the last row", ref)
	}
	if p.context.MaxColumns > 0 && addr.Column >= p.context.MaxColumns {
		return Address{}, newRefError(pos, "reference %s is beyond the last column", ref)
	}
	return addr, nil
}

// parseCellReference parses a cell token into a CellRefNode
func (p *Parser) parseCellReference(tok Token, pos NodePosition) (Node, *ParseError) {
	addr, err := p.resolveAddress(tok.Value, tok.Pos)
	if err != nil {
		return nil, err
	}
	id := addr.ID()
	p.refs[id] = struct{}{}
	return &CellRefNode{Cell: id, Pos: pos}, nil
}

// parseRange parses "A1:B3" and expands it to its static cell list
func (p *Parser) parseRange(tok Token, pos NodePosition) (Node, *ParseError) {
	startRef, endRef, _ := strings.Cut(tok.Value, ":")
	start, err := p.resolveAddress(startRef, tok.Pos)
	if err != nil {
		return nil, err
	}
	end, err := p.resolveAddress(endRef, tok.Pos)
	if err != nil {
		return nil, err
	}
	return p.rangeNode(NewRangeAddress(start, end), "", tok.Pos, pos)
}

func (p *Parser) rangeNode(r RangeAddress, name string, at int, pos NodePosition) (Node, *ParseError) {
	if p.context.MaxRangeCells > 0 && r.Size() > p.context.MaxRangeCells {
		return nil, newRefError(at, "range %s covers %d cells, limit is %d", r, r.Size(), p.context.MaxRangeCells)
	}
	cells := r.Cells()
	for _, id := range cells {
		p.refs[id] = struct{}{}
	}
	return &RangeNode{Range: r, Cells: cells, Name: name, Pos: pos}, nil
}

// parseName resolves an identifier through the named range table. names
// that do not resolve evaluate to #NAME?; a name covering more cells than
// allowed is a #REF! like the range it stands for.
func (p *Parser) parseName(tok Token, pos NodePosition) (Node, *ParseError) {
	name := normalizeName(tok.Value)
	p.names[name] = struct{}{}
	if p.context.ResolveName == nil {
		return &NameNode{Name: tok.Value, Pos: pos}, nil
	}
	r, ok := p.context.ResolveName(tok.Value)
	if !ok {
		return &NameNode{Name: tok.Value, Pos: pos}, nil
	}
	corner := Address{Row: r.EndRow, Column: r.EndColumn}.ID()
	if _, err := p.resolveAddress(string(corner), tok.Pos); err != nil {
		return nil, err
	}
	if r.Size() == 1 {
		id := Address{Row: r.StartRow, Column: r.StartColumn}.ID()
		p.refs[id] = struct{}{}
		return &CellRefNode{Cell: id, Pos: pos}, nil
	}
	return p.rangeNode(r, name, tok.Pos, pos)
}

// references returns the referenced cells sorted row-major
func (p *Parser) references() []CellID {
	type ref struct {
		id   CellID
		addr Address
	}
	refs := make([]ref, 0, len(p.refs))
	for id := range p.refs {
		addr, _ := id.Address()
		refs = append(refs, ref{id: id, addr: addr})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].addr.Less(refs[j].addr) })
	out := make([]CellID, len(refs))
	for i, r := range refs {
		out[i] = r.id
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseLiteral classifies the raw text of a non-formula cell
func ParseLiteral(raw string) Primitive {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if num, ok := parseNumberLiteral(raw); ok {
		return num
	}
	if b, ok := parseBooleanLiteral(raw); ok {
		return b
	}
	if code, ok := errorCodeFromLiteral(strings.TrimSpace(raw)); ok {
		return NewSpreadsheetError(code, "")
	}
	return raw
}

// parseNumberLiteral accepts an optionally signed number and nothing else
func parseNumberLiteral(input string) (float64, bool) {
	tokens, err := NewLexerForNumber(input).Tokenize()
	if err != nil {
		return 0, false
	}
	sign := 1.0
	i := 0
	if tokens[i].Type == TokenUnaryPrefixOp {
		if tokens[i].Value == "-" {
			sign = -1
		}
		i++
	}
	if len(tokens) != i+2 || tokens[i].Type != TokenNumber {
		return 0, false
	}
	value, perr := strconv.ParseFloat(tokens[i].Value, 64)
	if perr != nil {
		return 0, false
	}
	return sign * value, true
}

func parseBooleanLiteral(input string) (bool, bool) {
	tokens, err := NewLexerForBoolean(input).Tokenize()
	if err != nil || len(tokens) != 2 {
		return false, false
	}
	return tokens[0].Value == "TRUE", true
}
