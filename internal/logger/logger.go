// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide structured logger. By default
// output goes to stderr in text format; Setup with a non-empty FilePath
// switches to a rotated file.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels accepted by Setup and the ltfs.vendor logLevel xattr.
const (
	LevelTrace = "TRACE"
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARNING"
	LevelError = "ERROR"
	LevelOff   = "OFF"
)

const levelTraceSlog = slog.Level(-8)

var (
	mu            sync.Mutex
	defaultLogger = slog.New(newHandler(os.Stderr, "text", slog.LevelInfo))
	level         = new(slog.LevelVar)
)

// Config controls logger setup.
type Config struct {
	// FilePath is the log file, or empty for stderr.
	FilePath string

	// Format is "text" or "json".
	Format string

	// Severity is one of the Level constants.
	Severity string

	// Rotation.
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func newHandler(w io.Writer, format string, l slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: l}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(severity string) slog.Level {
	switch severity {
	case LevelTrace:
		return levelTraceSlog
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelOff:
		return slog.Level(127)
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the process logger. It is called once from cmd before any
// other package logs.
func Setup(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	level.Set(parseLevel(c.Severity))

	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxFileSizeMB,
			MaxBackups: c.BackupFileCount,
			Compress:   c.Compress,
		}
	}

	defaultLogger = slog.New(newHandler(w, c.Format, level))
	return nil
}

// SetSeverity adjusts the severity at runtime (the vendor logLevel xattr).
func SetSeverity(severity string) {
	level.Set(parseLevel(severity))
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(nil, levelTraceSlog, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
