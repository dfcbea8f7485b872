package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Pretty output goes through the console
// writer for interactive use; otherwise lines are plain JSON.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Adapter exposes a zerolog logger through the capture Logger interface.
// Args are alternating key/value pairs.
type Adapter struct {
	log zerolog.Logger
}

func NewAdapter(log zerolog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Debug(msg string, args ...interface{}) { emit(a.log.Debug(), msg, args) }
func (a *Adapter) Info(msg string, args ...interface{})  { emit(a.log.Info(), msg, args) }
func (a *Adapter) Warn(msg string, args ...interface{})  { emit(a.log.Warn(), msg, args) }
func (a *Adapter) Error(msg string, args ...interface{}) { emit(a.log.Error(), msg, args) }

func emit(ev *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 != 0 {
		ev = ev.Interface("arg", args[len(args)-1])
	}
	ev.Msg(msg)
}
