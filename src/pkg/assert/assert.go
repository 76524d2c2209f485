package assert

import "fmt"

// Assert panics when cond is false. It guards invariants whose violation
// can only be a programming error, never a runtime condition.
func Assert(cond bool, msgAndArgs ...any) {
	if cond {
		return
	}

	if len(msgAndArgs) == 0 {
		panic("assertion failed")
	}

	format, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %v", msgAndArgs...))
	}
	panic("assertion failed: " + fmt.Sprintf(format, msgAndArgs[1:]...))
}

func NoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %v", err))
	}
}

func Cast[T any](v any) T {
	res, ok := v.(T)
	Assert(ok, "unexpected type %T", v)
	return res
}
