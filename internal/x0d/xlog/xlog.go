// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

// Package xlog wraps zap with the server's logging conventions: one process
// logger configured once at startup from the parsed --log-level flag, and a
// per-connection child logger carrying the connection and request IDs so
// log lines from concurrent connections can be told apart.
package xlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. levelName accepts zap's standard
// names (debug, info, warn, error); an unrecognized name falls back to info
// rather than failing startup.
func New(levelName string, development bool) (*zap.Logger, error) {
	level := parseLevel(levelName)
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(name string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ForConnection returns a child logger tagging every subsequent line with
// the connection's numeric ID, used across netio and httpd so a single
// connection's lifecycle can be grepped out of a busy log.
func ForConnection(base *zap.Logger, connID uint64) *zap.Logger {
	return base.With(zap.Uint64("conn", connID))
}

// ForRequest further tags a connection logger with the request sequence
// number within that connection (keep-alive connections serve many).
func ForRequest(connLogger *zap.Logger, requestNum uint64) *zap.Logger {
	return connLogger.With(zap.Uint64("req", requestNum))
}
