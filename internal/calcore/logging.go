package calcore

import (
	"fmt"
	"runtime/debug"

	"github.com/davecgh/go-spew/spew"
	"github.com/mborders/logmatic"
)

var logger = func() *logmatic.Logger {
	l := logmatic.NewLogger()
	l.SetLevel(logmatic.TRACE)
	return l
}()

// Log emits a message at one of the levels the whole codebase agrees on: 0 fatal
// (stack dump, then panic), 1 serious error (stack dump), 2 warning, 3 debug,
// 4 info, 5 trace (stack dump). It matches `mindmachine.LogCLI`'s calling convention
// so every component logs the same way regardless of which mind it lives in.
func Log(message interface{}, level int) {
	text := fmt.Sprint(message)
	switch level {
	case 5:
		debug.PrintStack()
		logger.Trace("%v", text)
	case 4:
		logger.Info("%v", text)
	case 3:
		logger.Debug("%v", text)
	case 2:
		logger.Warn("%v", text)
	case 1:
		debug.PrintStack()
		logger.Error("%v", text)
	case 0:
		debug.PrintStack()
		logger.Error("%v", text)
		panic(text)
	}
}

// Dump renders v with go-spew for diagnostics when a malformed external payload needs
// full structural detail in the log, matching `messaging/blocks/blocks.go`'s use of
// spew when an unexpected API body shows up.
func Dump(v interface{}) string {
	return spew.Sdump(v)
}
