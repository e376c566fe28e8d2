// Package logger builds the zerolog logger shared by the server and its
// services.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

type LogBuild struct {
	writer  io.Writer
	path    string
	level   zerolog.Level
	console bool
}

type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

// FromPath appends to the file at path instead of writing to stdout.
func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// WithLevel sets the minimum level. Unknown names keep the default.
func (build *LogBuild) WithLevel(level string) *LogBuild {
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		build.level = l
	}
	return build
}

// Console switches to human-readable output.
func (build *LogBuild) Console(on bool) *LogBuild {
	build.console = on
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	var w io.Writer = os.Stdout
	if build.writer != nil {
		w = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		w = zerolog.SyncWriter(logData.LogFile)
	}
	if build.console {
		w = zerolog.ConsoleWriter{Out: w, NoColor: build.path != ""}
	}
	logData.Logger = zerolog.New(w).Level(build.level).With().Timestamp().Logger()
	return
}

// Close closes the log file, if any.
func (data *LogData) Close() error {
	if data.LogFile == nil {
		return nil
	}
	return data.LogFile.Close()
}
