// zerolog-backed implementation of the charon Logger interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"os"

	"github.com/agilira/charon/pkg/charon"
	"github.com/rs/zerolog"
)

type zerologLogger struct {
	logger zerolog.Logger
}

func newZerologLogger(verbose bool) charon.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &zerologLogger{logger: logger}
}

func (l *zerologLogger) Debug(_ context.Context, msg string, fields ...charon.Field) {
	l.emit(l.logger.Debug(), msg, fields)
}

func (l *zerologLogger) Info(_ context.Context, msg string, fields ...charon.Field) {
	l.emit(l.logger.Info(), msg, fields)
}

func (l *zerologLogger) Warn(_ context.Context, msg string, fields ...charon.Field) {
	l.emit(l.logger.Warn(), msg, fields)
}

func (l *zerologLogger) Error(_ context.Context, msg string, fields ...charon.Field) {
	l.emit(l.logger.Error(), msg, fields)
}

func (l *zerologLogger) WithFields(fields ...charon.Field) charon.Logger {
	logCtx := l.logger.With()
	for _, f := range fields {
		logCtx = logCtx.Interface(f.Key, f.Value)
	}
	return &zerologLogger{logger: logCtx.Logger()}
}

func (l *zerologLogger) emit(event *zerolog.Event, msg string, fields []charon.Field) {
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
