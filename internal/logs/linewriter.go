package logx

import (
	"bufio"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LineWriter turns stream output into per-line zerolog events at a given level.
type LineWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func NewLineWriter(fields map[string]string, level zerolog.Level) *LineWriter {
	return NewLineWriterFrom(log.Logger, fields, level)
}

// NewLineWriterFrom is NewLineWriter on top of an already enriched logger.
func NewLineWriterFrom(base zerolog.Logger, fields map[string]string, level zerolog.Level) *LineWriter {
	w := base.With()
	for k, v := range fields {
		w = w.Str(k, v)
	}
	return &LineWriter{logger: w.Logger(), level: level}
}

// Pipe logs every line read from r until EOF.
func (lw *LineWriter) Pipe(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lw.logger.WithLevel(lw.level).Msg(sc.Text())
	}
}

// Writer returns an io.WriteCloser that feeds Pipe; close it once the
// producer is done so the piping goroutine exits.
func (lw *LineWriter) Writer() io.WriteCloser {
	pr, pw := io.Pipe()
	go func() {
		lw.Pipe(pr)
		_ = pr.Close()
	}()
	return pw
}
