package props

import (
	"fmt"
	"strconv"
)

// Kind discriminates the tagged Value variants.
type Kind int

const (
	Number Kind = iota // float64, validated against a range
	Switch             // one choice out of a declared set
	Bool
	Text
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Switch:
		return "switch"
	case Bool:
		return "bool"
	default:
		return "text"
	}
}

// State mirrors the protocol-visible property state accompanying every
// publish.
type State string

const (
	StateIdle  State = "Idle"
	StateOK    State = "Ok"
	StateBusy  State = "Busy"
	StateAlert State = "Alert"
)

// Value is the tagged variant stored for every property. Exactly one field
// besides Kind is meaningful.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
}

func Num(v float64) Value     { return Value{Kind: Number, Num: v} }
func Choice(s string) Value   { return Value{Kind: Switch, Str: s} }
func Flag(b bool) Value       { return Value{Kind: Bool, Bool: b} }
func Str(s string) Value      { return Value{Kind: Text, Str: s} }

func (v Value) String() string {
	switch v.Kind {
	case Number:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case Bool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Interface returns the value as its natural Go type, for JSON encoding.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case Number:
		return v.Num
	case Bool:
		return v.Bool
	default:
		return v.Str
	}
}

// ParseValue converts an untyped representation (as read back from a
// persisted snapshot) into a Value of the wanted kind.
func ParseValue(kind Kind, raw interface{}) (Value, error) {
	switch kind {
	case Number:
		switch n := raw.(type) {
		case float64:
			return Num(n), nil
		case int:
			return Num(float64(n)), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return Value{}, fmt.Errorf("not a number: %q", n)
			}
			return Num(f), nil
		}
	case Bool:
		switch b := raw.(type) {
		case bool:
			return Flag(b), nil
		case string:
			v, err := strconv.ParseBool(b)
			if err != nil {
				return Value{}, fmt.Errorf("not a bool: %q", b)
			}
			return Flag(v), nil
		}
	case Switch:
		if s, ok := raw.(string); ok {
			return Choice(s), nil
		}
	case Text:
		if s, ok := raw.(string); ok {
			return Str(s), nil
		}
	}
	return Value{}, fmt.Errorf("cannot represent %T as %s", raw, kind)
}
