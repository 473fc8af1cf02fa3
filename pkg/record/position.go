package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

// Position identifies a point in a source change stream. Positions are totally ordered:
// Compare returns -1, 0 or 1. Positions of different variants order by variant, with
// placeholders lowest and finished highest.
//
// String is the serialised form, and ParsePosition must round-trip it.
type Position interface {
	Compare(Position) int
	String() string
}

const (
	rankPlaceholder = iota
	rankPrimaryKey
	rankLSN
	rankFinished
)

func rank(p Position) int {
	switch p.(type) {
	case PlaceholderPosition, *PlaceholderPosition:
		return rankPlaceholder
	case PrimaryKeyPosition, *PrimaryKeyPosition:
		return rankPrimaryKey
	case LSNPosition, *LSNPosition:
		return rankLSN
	case FinishedPosition, *FinishedPosition:
		return rankFinished
	}

	panic(fmt.Sprintf("unrecognised position type %T", p))
}

func compareRank(a, b Position) int {
	ra, rb := rank(a), rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}

	return 0
}

// Max returns the greater of two positions, treating nil as lower than anything
func Max(a, b Position) Position {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Compare(b) >= 0 {
		return a
	}

	return b
}

// LSNPosition is a log sequence number in a Postgres write-ahead log
type LSNPosition struct {
	LSN pglogrepl.LSN
}

func (p LSNPosition) Compare(other Position) int {
	if c := compareRank(p, other); c != 0 {
		return c
	}

	var o pglogrepl.LSN
	switch other := other.(type) {
	case LSNPosition:
		o = other.LSN
	case *LSNPosition:
		o = other.LSN
	}

	switch {
	case p.LSN < o:
		return -1
	case p.LSN > o:
		return 1
	}

	return 0
}

func (p LSNPosition) String() string {
	return "lsn:" + p.LSN.String()
}

// PrimaryKeyPosition is the resume point of an inventory dump. Begin is the key tuple
// of the last row already pushed, End the inclusive upper bound of the range being
// dumped. Tuples hold one value per key column, in key order, and either may be empty
// to mean unbounded.
type PrimaryKeyPosition struct {
	Begin []interface{}
	End   []interface{}
}

func (p PrimaryKeyPosition) Compare(other Position) int {
	if c := compareRank(p, other); c != 0 {
		return c
	}

	var o PrimaryKeyPosition
	switch other := other.(type) {
	case PrimaryKeyPosition:
		o = other
	case *PrimaryKeyPosition:
		o = *other
	}

	return CompareKeys(p.Begin, o.Begin)
}

func (p PrimaryKeyPosition) String() string {
	return fmt.Sprintf("pk:%s:%s", encodeTuple(p.Begin), encodeTuple(p.End))
}

// CompareKeys orders key tuples column by column. An empty tuple is lowest, and a tuple
// that is a prefix of another sorts before it.
func CompareKeys(a, b []interface{}) int {
	for idx := 0; idx < len(a) && idx < len(b); idx++ {
		if c := compareKey(a[idx], b[idx]); c != 0 {
			return c
		}
	}

	return compareInt(int64(len(a)), int64(len(b)))
}

// compareKey orders key values, with nil lowest. Numbers, times and strings compare
// natively, anything else by formatted value.
func compareKey(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch {
	case isInteger(a) && isInteger(b):
		return compareIntegers(a, b)
	case isNumber(a) && isNumber(b):
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return compareFloat(af, bf)
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}

	return strings.Compare(keyString(a), keyString(b))
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

// compareIntegers compares any mix of signed and unsigned integers without overflow:
// a negative signed value is below every unsigned one.
func compareIntegers(a, b interface{}) int {
	ai, aSigned := toInt(a)
	bi, bSigned := toInt(b)
	au, _ := toUint(a)
	bu, _ := toUint(b)

	switch {
	case aSigned && bSigned:
		return compareInt(ai, bi)
	case !aSigned && !bSigned:
		return compareUint(au, bu)
	case aSigned:
		if ai < 0 {
			return -1
		}
		return compareUint(uint64(ai), bu)
	default:
		if bi < 0 {
			return 1
		}
		return compareUint(au, uint64(bi))
	}
}

func isInteger(v interface{}) bool {
	_, signed := toInt(v)
	_, unsigned := toUint(v)
	return signed || unsigned
}

func isNumber(v interface{}) bool {
	_, ok := toFloat(v)
	return ok
}

func toInt(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}

	return 0, false
}

func toUint(v interface{}) (uint64, bool) {
	switch v := v.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}

	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	if u, ok := toUint(v); ok {
		return float64(u), true
	}

	switch v := v.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}

	return 0, false
}

func keyString(v interface{}) string {
	if bytes, ok := v.([]byte); ok {
		return string(bytes)
	}

	return fmt.Sprint(v)
}

// encodeKey renders a key value so it decodes back into a value of the same kind.
// Signed integers are prefixed with i, unsigned with u, floats with f, times with t
// (as unix nanoseconds) and strings with s. Null is n.
func encodeKey(v interface{}) string {
	if v == nil {
		return "n"
	}
	if i, ok := toInt(v); ok {
		return "i" + strconv.FormatInt(i, 10)
	}
	if u, ok := toUint(v); ok {
		return "u" + strconv.FormatUint(u, 10)
	}

	switch v := v.(type) {
	case float32:
		return "f" + strconv.FormatFloat(float64(v), 'g', -1, 64)
	case float64:
		return "f" + strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return "t" + strconv.FormatInt(v.UnixNano(), 10)
	}

	return "s" + strconv.Quote(keyString(v))
}

func encodeTuple(tuple []interface{}) string {
	encoded := make([]string, 0, len(tuple))
	for _, v := range tuple {
		encoded = append(encoded, encodeKey(v))
	}

	return strings.Join(encoded, ",")
}

// decodeTuple reads comma separated keys from the start of s, stopping at the first
// colon outside a quoted string. It returns the tuple and the unconsumed remainder.
func decodeTuple(s string) ([]interface{}, string, error) {
	var tuple []interface{}
	for len(s) > 0 && s[0] != ':' {
		var token string
		if s[0] == 's' {
			quoted, err := strconv.QuotedPrefix(s[1:])
			if err != nil {
				return nil, "", fmt.Errorf("invalid key %q: %w", s, err)
			}
			token = s[:1+len(quoted)]
		} else {
			end := strings.IndexAny(s, ",:")
			if end < 0 {
				end = len(s)
			}
			token = s[:end]
		}

		value, err := decodeKey(token)
		if err != nil {
			return nil, "", err
		}

		tuple = append(tuple, value)
		s = s[len(token):]

		if strings.HasPrefix(s, ",") {
			s = s[1:]
		} else if len(s) > 0 && s[0] != ':' {
			return nil, "", fmt.Errorf("invalid key separator in %q", s)
		}
	}

	return tuple, s, nil
}

func decodeKey(s string) (interface{}, error) {
	if s == "" {
		return nil, fmt.Errorf("empty key encoding")
	}

	switch s[0] {
	case 'n':
		return nil, nil
	case 'i':
		return strconv.ParseInt(s[1:], 10, 64)
	case 'u':
		return strconv.ParseUint(s[1:], 10, 64)
	case 'f':
		return strconv.ParseFloat(s[1:], 64)
	case 't':
		nanos, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return nil, err
		}
		return time.Unix(0, nanos).UTC(), nil
	case 's':
		return strconv.Unquote(s[1:])
	}

	return nil, fmt.Errorf("invalid key encoding %q", s)
}

// FinishedPosition is reported once a stream has been fully consumed
type FinishedPosition struct{}

func (p FinishedPosition) Compare(other Position) int { return compareRank(p, other) }
func (p FinishedPosition) String() string             { return "finished" }

// PlaceholderPosition is attached to records that cannot be resumed from, such as rows
// scanned from a table without keys.
type PlaceholderPosition struct{}

func (p PlaceholderPosition) Compare(other Position) int { return compareRank(p, other) }
func (p PlaceholderPosition) String() string             { return "placeholder" }

// ParsePosition decodes the output of Position.String
func ParsePosition(s string) (Position, error) {
	switch {
	case s == "finished":
		return FinishedPosition{}, nil
	case s == "placeholder":
		return PlaceholderPosition{}, nil
	case strings.HasPrefix(s, "lsn:"):
		lsn, err := pglogrepl.ParseLSN(strings.TrimPrefix(s, "lsn:"))
		if err != nil {
			return nil, fmt.Errorf("invalid lsn position %q: %w", s, err)
		}

		return LSNPosition{LSN: lsn}, nil
	case strings.HasPrefix(s, "pk:"):
		return parsePrimaryKeyPosition(strings.TrimPrefix(s, "pk:"))
	}

	return nil, fmt.Errorf("unrecognised position %q", s)
}

func parsePrimaryKeyPosition(s string) (Position, error) {
	begin, rest, err := decodeTuple(s)
	if err != nil {
		return nil, fmt.Errorf("invalid primary key position %q: %w", s, err)
	}
	if !strings.HasPrefix(rest, ":") {
		return nil, fmt.Errorf("invalid primary key position %q", s)
	}

	end, rest, err := decodeTuple(rest[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid primary key position %q: %w", s, err)
	}
	if rest != "" {
		return nil, fmt.Errorf("invalid primary key position %q", s)
	}

	return PrimaryKeyPosition{Begin: begin, End: end}, nil
}

// Envelope wraps a Position so it can be marshalled to and from JSON
type Envelope struct {
	Position
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Position == nil {
		return []byte("null"), nil
	}

	return json.Marshal(e.Position.String())
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	if s == nil {
		e.Position = nil
		return nil
	}

	position, err := ParsePosition(*s)
	if err != nil {
		return err
	}

	e.Position = position
	return nil
}
