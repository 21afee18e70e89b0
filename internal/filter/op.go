package filter

import "fmt"

// Op is a filter constraint operator.
type Op string

const (
	OpEqual          Op = "="
	OpNotEqual       Op = "!="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="

	// Ranges: [a:b] closed, (a:b) open, [a:b) half-open, (a:b] half-closed.
	OpRangeClosed     Op = "[]"
	OpRangeOpen       Op = "()"
	OpRangeHalfOpen   Op = "[)"
	OpRangeHalfClosed Op = "(]"

	OpNotRangeClosed     Op = "![]"
	OpNotRangeOpen       Op = "!()"
	OpNotRangeHalfOpen   Op = "![)"
	OpNotRangeHalfClosed Op = "!(]"

	OpIn        Op = "in"
	OpNotIn     Op = "not in"
	OpIsNull    Op = "is null"
	OpIsNotNull Op = "is not null"

	// OpBoolean is the fallback for constraints that cannot be indexed; the
	// parameter's expression is evaluated for every candidate event.
	OpBoolean Op = "expr"
)

// cost orders parameters within a spec: cheap, selective lookups first and
// boolean expressions last.
var cost = map[Op]int{
	OpEqual:              0,
	OpIsNull:             1,
	OpIn:                 2,
	OpRangeClosed:        3,
	OpRangeOpen:          3,
	OpRangeHalfOpen:      3,
	OpRangeHalfClosed:    3,
	OpLess:               4,
	OpLessOrEqual:        4,
	OpGreater:            4,
	OpGreaterOrEqual:     4,
	OpIsNotNull:          5,
	OpNotRangeClosed:     6,
	OpNotRangeOpen:       6,
	OpNotRangeHalfOpen:   6,
	OpNotRangeHalfClosed: 6,
	OpNotEqual:           7,
	OpNotIn:              8,
	OpBoolean:            9,
}

// ParseOp maps an operator literal to an Op.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if _, ok := cost[op]; !ok {
		return "", fmt.Errorf("unknown filter operator %q", s)
	}
	return op, nil
}

func (op Op) isRange() bool {
	switch op {
	case OpRangeClosed, OpRangeOpen, OpRangeHalfOpen, OpRangeHalfClosed:
		return true
	}
	return false
}

func (op Op) isNotRange() bool {
	switch op {
	case OpNotRangeClosed, OpNotRangeOpen, OpNotRangeHalfOpen, OpNotRangeHalfClosed:
		return true
	}
	return false
}

func (op Op) isRelational() bool {
	switch op {
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	}
	return false
}

// bounds reports whether the low and high ends of a range operator are open.
func (op Op) bounds() (loOpen, hiOpen bool) {
	switch op {
	case OpRangeOpen, OpNotRangeOpen:
		return true, true
	case OpRangeHalfOpen, OpNotRangeHalfOpen:
		return false, true
	case OpRangeHalfClosed, OpNotRangeHalfClosed:
		return true, false
	}
	return false, false
}
