package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var engine = false
var ptrace = false
var wait = false
var stepover = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Engine returns true if the process-control engine should log thread
// lifecycle and resume decisions.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the process-control engine.
func EngineLogger() Logger {
	return makeLogger(engine, Fields{"layer": "engine"})
}

// Ptrace returns true if every ptrace request should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for ptrace requests.
func PtraceLogger() Logger {
	return makeLogger(ptrace, Fields{"layer": "ptrace"})
}

// Wait returns true if the event collector should log every status it
// collects from the kernel.
func Wait() bool {
	return wait
}

// WaitLogger returns a logger for the event collector.
func WaitLogger() Logger {
	return makeLogger(wait, Fields{"layer": "engine", "kind": "wait"})
}

// StepOver returns true if the step-over protocol should be logged.
func StepOver() bool {
	return stepover
}

// StepOverLogger returns a logger for the step-over protocol.
func StepOverLogger() Logger {
	return makeLogger(stepover, Fields{"layer": "engine", "kind": "stepover"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "lwpctl-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch strings.TrimSpace(logcmd) {
		case "engine":
			engine = true
		case "ptrace":
			ptrace = true
		case "wait":
			wait = true
		case "stepover":
			stepover = true
		case "all":
			engine, ptrace, wait, stepover = true, true, true, true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'lwpctl help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
