package core

import "reflect"

// valuesEqual compares two attribute values, treating numeric types as
// interchangeable: a context attribute stored as int must match a rule
// operand decoded from JSON as float64.
func valuesEqual(left any, right any) bool {
	if leftNum, ok := asFloat64(left); ok {
		if rightNum, ok := asFloat64(right); ok {
			return leftNum == rightNum
		}
		return false
	}

	return reflect.DeepEqual(left, right)
}

// compareValues orders two values. Numbers compare numerically and strings
// lexicographically; everything else is unordered and reports false.
func compareValues(left any, right any) (int, bool) {
	if leftNum, ok := asFloat64(left); ok {
		rightNum, ok := asFloat64(right)
		if !ok {
			return 0, false
		}
		switch {
		case leftNum < rightNum:
			return -1, true
		case leftNum > rightNum:
			return 1, true
		default:
			return 0, true
		}
	}

	if leftStr, ok := left.(string); ok {
		rightStr, ok := right.(string)
		if !ok {
			return 0, false
		}
		switch {
		case leftStr < rightStr:
			return -1, true
		case leftStr > rightStr:
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	default:
		return 0, false
	}
}
