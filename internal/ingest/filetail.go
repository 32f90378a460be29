package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"valuelog/internal/config"
	"valuelog/internal/driver"
	"valuelog/internal/logging"
)

type tailLine struct {
	path string
	text string
}

// FileTail follows appended lines of a set of files. Truncated files are
// reopened from the start.
type FileTail struct {
	cfg    config.FileTailConfig
	parser *Parser
	logger *slog.Logger
	poll   time.Duration

	once  sync.Once
	lines chan tailLine
}

func NewFileTail(cfg config.FileTailConfig, parser *Parser, logger *slog.Logger) *FileTail {
	if logger == nil {
		logger = logging.Discard()
	}
	if parser == nil {
		parser = NewParser(nil)
	}
	return &FileTail{
		cfg:    cfg,
		parser: parser,
		logger: logger,
		poll:   200 * time.Millisecond,
		lines:  make(chan tailLine, 256),
	}
}

func (f *FileTail) Name() string { return "file_tail" }

// Start launches one tailer per file; they stop with ctx.
func (f *FileTail) Start(ctx context.Context) {
	f.once.Do(func() {
		for _, path := range f.cfg.Files {
			f.logger.Info("file tail ingest enabled", "path", path, "start_at_end", f.cfg.StartAtEnd)
			go f.tail(ctx, path)
		}
	})
}

func (f *FileTail) Read(ctx context.Context) ([]driver.Reading, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line := <-f.lines:
			readings, err := f.parser.ParseLine(line.text)
			if err != nil {
				return nil, parseErr(f.Name()+":"+line.path, line.text, err)
			}
			if len(readings) > 0 {
				return readings, nil
			}
		}
	}
}

func (f *FileTail) tail(ctx context.Context, path string) {
	var file *os.File
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		if file == nil {
			fh, err := os.Open(path)
			if err != nil {
				f.logger.Warn("tail open failed", "path", path, "err", err)
				if !driver.Sleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = fh
			offset = 0
			if f.cfg.StartAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// keep an unterminated tail until its newline arrives
					partial += chunk
					offset += int64(len(chunk))
					if !driver.Sleep(ctx, f.poll) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				f.logger.Warn("tail read error", "path", path, "err", err)
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(chunk))
			line := partial + chunk
			partial = ""
			select {
			case f.lines <- tailLine{path: path, text: line}:
			case <-ctx.Done():
				_ = file.Close()
				return
			}
		}
	}
}
