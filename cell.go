package recalc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty cells
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents spreadsheet error codes stored as cell values
type ErrorCode uint8

const (
	ErrorCodeNull  ErrorCode = 1 // #NULL! - no cells in common between ranges
	ErrorCodeDiv0  ErrorCode = 2 // #DIV/0! - division by zero
	ErrorCodeValue ErrorCode = 3 // #VALUE! - wrong type of argument or operand
	ErrorCodeRef   ErrorCode = 4 // #REF! - invalid or out of range reference
	ErrorCodeName  ErrorCode = 5 // #NAME? - unknown function or identifier
	ErrorCodeNum   ErrorCode = 6 // #NUM! - number not representable
	ErrorCodeNA    ErrorCode = 7 // #N/A - value not available
	ErrorCodeParse ErrorCode = 8 // #ERROR! - malformed formula
	ErrorCodeCycle ErrorCode = 9 // #CYCLE! - circular dependency
)

// ErrorMapper maps error codes to their display strings
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:  "#NULL!",
	ErrorCodeDiv0:  "#DIV/0!",
	ErrorCodeValue: "#VALUE!",
	ErrorCodeRef:   "#REF!",
	ErrorCodeName:  "#NAME?",
	ErrorCodeNum:   "#NUM!",
	ErrorCodeNA:    "#N/A",
	ErrorCodeParse: "#ERROR!",
	ErrorCodeCycle: "#CYCLE!",
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// errorCodeFromLiteral is the inverse of ErrorMapper, used by the lexer and
// literal classification
func errorCodeFromLiteral(s string) (ErrorCode, bool) {
	upper := strings.ToUpper(s)
	for code, lit := range ErrorMapper {
		if lit == upper {
			return code, true
		}
	}
	return 0, false
}

// SpreadsheetError is an error stored as a cell value
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// CellKind tells literal cells from formula cells
type CellKind uint8

const (
	KindLiteral CellKind = iota
	KindFormula
)

// CellRecord is the data store's view of one cell. the engine reads RawText
// and writes ComputedValue, DisplayText and Error.
type CellRecord struct {
	ID            CellID
	RawText       string
	Kind          CellKind
	ComputedValue Primitive
	DisplayText   string
	Error         *ErrorCode
}

// IsFormula reports whether the raw text is a formula
func (r CellRecord) IsFormula() bool {
	return isFormulaText(r.RawText)
}

func isFormulaText(raw string) bool {
	return strings.HasPrefix(raw, "=")
}

// CellID is the canonical key of a grid position, e.g. "B12"
type CellID string

// Address is a zero-based grid position
type Address struct {
	Row    uint32
	Column uint32
}

// ID returns the canonical cell id for the address
func (a Address) ID() CellID {
	return CellID(ColumnName(a.Column) + strconv.FormatUint(uint64(a.Row)+1, 10))
}

// Less orders addresses row-major
func (a Address) Less(b Address) bool {
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Column < b.Column
}

// sortRowMajor sorts canonical cell ids by row, then column
func sortRowMajor(ids []CellID) {
	addrs := make(map[CellID]Address, len(ids))
	for _, id := range ids {
		addrs[id], _ = id.Address()
	}
	sort.Slice(ids, func(i, j int) bool { return addrs[ids[i]].Less(addrs[ids[j]]) })
}

// ColumnName converts a zero-based column index to letters (0=A, 26=AA)
func ColumnName(col uint32) string {
	var buf [8]byte
	i := len(buf)
	n := int64(col) + 1
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// ParseCellID validates and canonicalises a cell id. "$" anchors are
// dropped and letters upper-cased. malformed input is an InvalidArgument
// application error.
func ParseCellID(s string) (CellID, error) {
	addr, err := parseAddress(s)
	if err != nil {
		return "", NewApplicationError(InvalidArgument, fmt.Sprintf("invalid cell id %q: %v", s, err))
	}
	return addr.ID(), nil
}

// MustCellID is ParseCellID for ids known to be valid
func MustCellID(s string) CellID {
	id, err := ParseCellID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Address returns the zero-based position of a canonical id
func (id CellID) Address() (Address, error) {
	return parseAddress(string(id))
}

// parseAddress converts "A1", "$b$7" etc. into a zero-based address
func parseAddress(s string) (Address, error) {
	s = strings.ReplaceAll(s, "$", "")
	letterEnd := 0
	for letterEnd < len(s) && isASCIILetter(rune(s[letterEnd])) {
		letterEnd++
	}
	if letterEnd == 0 || letterEnd == len(s) {
		return Address{}, fmt.Errorf("expected column letters followed by a row number")
	}
	if letterEnd > 3 {
		return Address{}, fmt.Errorf("column %q out of range", s[:letterEnd])
	}

	// A=0, B=1, ..., Z=25, AA=26
	col := uint32(0)
	for _, ch := range strings.ToUpper(s[:letterEnd]) {
		col = col*26 + uint32(ch-'A') + 1
	}
	col--

	rowStr := s[letterEnd:]
	for _, ch := range rowStr {
		if ch < '0' || ch > '9' {
			return Address{}, fmt.Errorf("invalid row number %q", rowStr)
		}
	}
	row, err := strconv.ParseUint(rowStr, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid row number %q", rowStr)
	}
	if row < 1 {
		return Address{}, fmt.Errorf("row number must be positive")
	}
	return Address{Row: uint32(row - 1), Column: col}, nil
}

func isASCIILetter(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// FormatValue renders a value as display text
func FormatValue(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		if v == float64(int64(v)) && v < 1e15 && v > -1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', 15, 64)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return v
	case *SpreadsheetError:
		return ErrorMapper[v.ErrorCode]
	default:
		return fmt.Sprint(v)
	}
}
