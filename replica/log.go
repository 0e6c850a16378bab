package replica

import (
	"fmt"
	"log"
	"os"
)

// Logging convention for the replica package:
// Info:
//     essential events for abnormal behavior. Silent on normal operation,
//     except one time initialization data useful for monitoring
//     - substrate connect/disconnect
//     - dropped writes from a superseded owner
// Debug:
//     key events for trace debugging
//     - record create/join, ownership claims, per-field propagation

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
