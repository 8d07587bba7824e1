package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	exit   = os.Exit
	stderr = os.Stderr
)

// HandleFatalError handles errors that are severe enough to terminate the
// program. Errors with a friendly message are printed as is, so that the user
// isn't shown the chain of operations that failed.
func HandleFatalError(err error) {
	var friendlyErr errors.FriendlyError
	if errors.As(err, &friendlyErr) {
		fmt.Fprintln(stderr, friendlyErr.FriendlyMessage())
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs panics along with their stack trace before letting them
// crash the process. It should be deferred at the top of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		panic(r)
	}
}
