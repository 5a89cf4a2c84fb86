package utils

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
)

// ContainsErrorSubstring checks if the error or any of its wrapped errors contain the target substring.
func ContainsErrorSubstring(err error, target string) bool {
	for err != nil {
		if strings.Contains(err.Error(), target) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// WrapIfNotNil prefixes err with the calling function ("pkg.Func") and any extra context.
// errors.Is and errors.As keep working through the wrap.
func WrapIfNotNil(err error, context ...string) error {
	if err == nil {
		return nil
	}

	callerName := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			callerName = shortFuncName(fn.Name())
		}
	}

	parts := make([]string, 0, 1+len(context))
	parts = append(parts, callerName)
	for _, item := range context {
		if item = strings.TrimSpace(item); item != "" {
			parts = append(parts, item)
		}
	}

	return fmt.Errorf("%s: %w", strings.Join(parts, " - "), err)
}

// shortFuncName drops the import path: "github.com/x/y/pkg/media.(*Store).Write" -> "media.(*Store).Write".
func shortFuncName(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// LogStack logs a recovered panic value followed by the goroutine stack.
func LogStack(title string, recovered any, log logging.Logger) {
	log.Errorf("%s panic: %v", title, recovered)
	// skip = 2 to ignore LogStack and its caller (defer wrapper)
	for i := 2; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		log.Errorf("     *** %s (%s:%d)", fn.Name(), file, line)
	}
}
