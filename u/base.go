package u

import (
	"fmt"
)

func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func fmtPanicArgs(def string, args []any) string {
	if len(args) == 0 {
		return def
	}
	s := fmt.Sprintf("%s", args[0])
	if len(args) > 1 {
		s = fmt.Sprintf(s, args[1:]...)
	}
	return s
}

// PanicIf panics with a formatted message if cond is true.
// Only for programmer errors, never for I/O.
func PanicIf(cond bool, args ...any) {
	if cond {
		panic(fmtPanicArgs("condition failed", args))
	}
}

func PanicIfErr(err error, args ...any) {
	if err != nil {
		panic(fmtPanicArgs(err.Error(), args))
	}
}
