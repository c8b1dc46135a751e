// Package logging builds the process logger.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"tilesync/internal/config"
)

const prefix = "tilesync "

// New returns a logger writing to stderr, or to a rotating file when
// cfg.File is set. The returned closer releases the file.
func New(cfg config.LogConfig) (*log.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags|log.LUTC), nopCloser{}
	}
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return log.New(w, prefix, log.LstdFlags|log.LUTC), w
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
