package check

import (
	"fmt"

	"github.com/pkg/errors"
)

// True returns an error with the provided message if the condition is false.
func True(condition bool, msgAndArgs ...interface{}) error {
	return check(condition, msgAndArgs, "expected true, got false")
}

// NotEmpty returns an error with the provided message if the string is empty.
func NotEmpty(actual string, msgAndArgs ...interface{}) error {
	return check(actual != "", msgAndArgs, "expected a non-empty string")
}

// GreaterThan returns an error with the provided message if actual <= expected.
func GreaterThan(actual, expected int64, msgAndArgs ...interface{}) error {
	return check(actual > expected, msgAndArgs, "%d is not greater than %d", actual, expected)
}

// GreaterThanOrEqualTo returns an error with the provided message if actual < expected.
func GreaterThanOrEqualTo(actual, expected int64, msgAndArgs ...interface{}) error {
	return check(actual >= expected, msgAndArgs,
		"%d is not greater than or equal to %d", actual, expected)
}

// In returns an error with the provided message if actual is not one of expected.
func In(actual string, expected []string, msgAndArgs ...interface{}) error {
	for _, e := range expected {
		if e == actual {
			return nil
		}
	}
	return check(false, msgAndArgs, "%s not in %v", actual, expected)
}

func check(condition bool, msgAndArgs []interface{}, format string, args ...interface{}) error {
	if condition {
		return nil
	}
	reason := fmt.Sprintf(format, args...)
	if msg := message(msgAndArgs...); msg != "" {
		return errors.Errorf("%s: %s", msg, reason)
	}
	return errors.New(reason)
}

func message(msgAndArgs ...interface{}) string {
	switch {
	case len(msgAndArgs) == 1:
		if msg, ok := msgAndArgs[0].(string); ok {
			return msg
		}
		return fmt.Sprintf("%+v", msgAndArgs[0])
	case len(msgAndArgs) > 1:
		return fmt.Sprintf(msgAndArgs[0].(string), msgAndArgs[1:]...)
	default:
		return ""
	}
}
