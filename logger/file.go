package logger

import (
	"errors"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures a rotating log file.
type FileOptions struct {
	// Filename is the file to write logs to. Required.
	Filename string
	// MaxSizeMB is the maximum size in megabytes before the file is rotated.
	MaxSizeMB int
	// MaxBackups is the maximum number of rotated files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain rotated files.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// NewFileSlog creates a JSON slog logger that writes to a rotating file.
//
// The returned io.Closer closes the underlying file; the logger must not be
// used after it is closed.
func NewFileSlog(level Level, addSource bool, fopts FileOptions) (Logger, io.Closer, error) {
	if fopts.Filename == "" {
		return nil, nil, errors.New("logger: log file name is empty")
	}

	w := &lumberjack.Logger{
		Filename:   fopts.Filename,
		MaxSize:    fopts.MaxSizeMB,
		MaxBackups: fopts.MaxBackups,
		MaxAge:     fopts.MaxAgeDays,
		Compress:   fopts.Compress,
	}

	l := NewSlogWithOptions(Options{
		Level:     level,
		AddSource: addSource,
		Output:    w,
	})

	return l, w, nil
}
