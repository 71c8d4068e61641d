package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// LogBuild configures a zerolog-backed Logger.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	fields map[string]any
}

type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func NewBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level accepts zerolog level names ("debug", "info", ...). Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) With(key string, value any) *LogBuild {
	if build.fields == nil {
		build.fields = make(map[string]any)
	}
	build.fields[key] = value
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	var writer io.Writer = os.Stdout
	if build.writer != nil {
		writer = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(logData.LogFile)
	}
	ctx := zerolog.New(writer).Level(build.level).With().Timestamp()
	for k, v := range build.fields {
		ctx = ctx.Interface(k, v)
	}
	logData.Logger = ctx.Logger()
	return logData, nil
}

// Close closes the log file, if any.
func (logData *LogData) Close() error {
	if logData.LogFile == nil {
		return nil
	}
	return logData.LogFile.Close()
}

func (logData *LogData) Error(msg string, args ...any) {
	withArgs(logData.Logger.Error(), args).Msg(msg)
}

func (logData *LogData) Warn(msg string, args ...any) {
	withArgs(logData.Logger.Warn(), args).Msg(msg)
}

func (logData *LogData) Info(msg string, args ...any) {
	withArgs(logData.Logger.Info(), args).Msg(msg)
}

func (logData *LogData) Debug(msg string, args ...any) {
	withArgs(logData.Logger.Debug(), args).Msg(msg)
}

// withArgs turns slog-style alternating key/value args into zerolog fields.
func withArgs(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 == len(args) {
			ev = ev.Interface("!BADKEY", args[i])
			break
		}
		if err, ok := args[i+1].(error); ok {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}

var _ Logger = (*LogData)(nil)
