package cdc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

// OffsetStore persists the committed position of a source across restarts.
type OffsetStore interface {
	GetSourceOffset(ctx context.Context, source string) (string, error)
	SetSourceOffset(ctx context.Context, source, position string) error
}

type FileOptions struct {
	// Follow keeps reading as the file grows instead of returning io.EOF.
	Follow bool
	Poll   time.Duration
	// Offsets, when set, supplies the resume position and receives commits.
	Offsets OffsetStore
	// StartAfter skips lines up to and including this line number. It is
	// ignored when Offsets holds a position for the file.
	StartAfter uint64
}

// FileSource reads newline-delimited Debezium events from a file, as written
// by Debezium Server's file sink or a kcat dump. The offset of a record is its
// 1-based line number.
type FileSource struct {
	name       string
	f          *os.File
	r          *bufio.Reader
	line       uint64
	startAfter uint64
	partial    []byte
	follow     bool
	poll       time.Duration
	offsets    OffsetStore
	logger     *slog.Logger
}

var _ Source = (*FileSource)(nil)

func OpenFile(ctx context.Context, path string, opts FileOptions) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening change file: %w", err)
	}

	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	s := &FileSource{
		name:       "file:" + abs,
		f:          f,
		r:          bufio.NewReader(f),
		startAfter: opts.StartAfter,
		follow:     opts.Follow,
		poll:       opts.Poll,
		offsets:    opts.Offsets,
		logger:     slog.Default(),
	}

	if s.offsets != nil {
		pos, err := s.offsets.GetSourceOffset(ctx, s.name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			f.Close()
			return nil, fmt.Errorf("loading offset for %s: %w", s.name, err)
		default:
			n, err := strconv.ParseUint(pos, 10, 64)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("parsing stored offset %q: %w", pos, err)
			}
			s.startAfter = n
		}
	}
	if s.startAfter > 0 {
		s.logger.Info("resuming change file", "path", abs, "after_line", s.startAfter)
	}
	return s, nil
}

func (s *FileSource) Next(ctx context.Context) (ChangeRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ChangeRecord{}, err
		}

		chunk, err := s.r.ReadBytes('\n')
		s.partial = append(s.partial, chunk...)
		if errors.Is(err, io.EOF) {
			if s.follow {
				select {
				case <-ctx.Done():
					return ChangeRecord{}, ctx.Err()
				case <-time.After(s.poll):
				}
				continue
			}
			if len(bytes.TrimSpace(s.partial)) == 0 {
				return ChangeRecord{}, io.EOF
			}
		} else if err != nil {
			return ChangeRecord{}, fmt.Errorf("reading change file: %w", err)
		}

		line := s.partial
		s.partial = nil
		s.line++
		if s.line <= s.startAfter || len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := Decode(line, s.line)
		if errors.Is(err, ErrTombstone) {
			continue
		}
		if err != nil {
			return ChangeRecord{}, &DecodeError{Offset: s.line, Raw: bytes.TrimSpace(line), Err: err}
		}
		return rec, nil
	}
}

func (s *FileSource) Commit(ctx context.Context, offset uint64) error {
	if s.offsets == nil {
		return nil
	}
	if err := s.offsets.SetSourceOffset(ctx, s.name, strconv.FormatUint(offset, 10)); err != nil {
		return fmt.Errorf("committing offset %d: %w", offset, err)
	}
	return nil
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
