package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError is a failure tagged with the stage of the call that produced
// it. The innermost reason wins when errors are wrapped more than once.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

func Wrap(err error, reason ReasonCode) error {
	if err == nil || tagged(err) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Wrapf formats a new error and tags it.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return err != nil && Reason(err) == reason
}

// Attrs renders err as slog key/value pairs.
func Attrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{"reason_code", string(Reason(err)), "error", err.Error()}
}

func tagged(err error) bool {
	var re ReasonedError
	return errors.As(err, &re)
}
