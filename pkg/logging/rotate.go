package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls size-based rotation of the optional log file.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation keeps a week of small files, which is plenty for a local
// emulator session.
func DefaultRotation() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

func (r RotationConfig) withDefaults() RotationConfig {
	d := DefaultRotation()
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = d.MaxSizeMB
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = d.MaxBackups
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = d.MaxAgeDays
	}
	return r
}

func newRotatingWriter(path string, rot RotationConfig) (*lumberjack.Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rot = rot.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}, nil
}
