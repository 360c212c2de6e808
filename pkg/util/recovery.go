package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxStacksize = 8 * 1024

var panicTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sizescope",
	Name:      "panic_total",
	Help:      "The total number of panics recovered.",
})

func panicError(p interface{}) error {
	stack := make([]byte, maxStacksize)
	stack = stack[:runtime.Stack(stack, false)]
	// keep a multiline stack
	fmt.Fprintf(os.Stderr, "panic: %v\n%s", p, stack)
	panicTotal.Inc()
	return fmt.Errorf("%v", p)
}

// RecoverPanic wraps f so that a panic surfaces as an error instead of
// tearing down the process. Used for per-binary analysis tasks so one
// malformed input cannot abort a batch run.
func RecoverPanic(f func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicError(p)
			}
		}()
		return f()
	}
}
