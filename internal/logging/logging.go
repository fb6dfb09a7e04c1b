// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Level is a logrus level name such as "info" or "debug".
	Level string
	// Format is "text" or "json".
	Format string
	// File, if set, receives the log instead of stderr and is rotated.
	File string
	// MaxSizeMB, MaxBackups and MaxAgeDays bound the rotated files.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger configured by cfg. The io.Closer releases the log
// file, if any.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	closer, err := Configure(log, cfg)
	if err != nil {
		return nil, nil, err
	}
	return log, closer, nil
}

// Configure applies cfg to log.
func Configure(log *logrus.Logger, cfg Config) (io.Closer, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format: unknown format %q", cfg.Format)
	}

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 10),
		MaxBackups: orDefault(cfg.MaxBackups, 3),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	log.SetOutput(lj)
	return lj, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
