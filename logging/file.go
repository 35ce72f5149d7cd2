package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger writes timestamped operator log lines to a file.
// It is safe for concurrent use; loggers derived with With share the file.
type FileLogger struct {
	sink   *fileSink
	prefix string
}

type fileSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	closed  bool
}

// FileOption configures a FileLogger.
type FileOption func(*fileSink)

// WithMaxSize rotates the log to "<path>.1" once it grows past n bytes.
// Zero disables rotation.
func WithMaxSize(n int64) FileOption {
	return func(s *fileSink) { s.maxSize = n }
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string, opts ...FileOption) (*FileLogger, error) {
	s := &fileSink{path: path}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return &FileLogger{sink: s}, nil
}

func (s *fileSink) open() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	s.file = file
	s.size = info.Size()
	return nil
}

// rotate must be called with s.mu held.
func (s *fileSink) rotate() error {
	s.file.Close()
	renameErr := os.Rename(s.path, s.path+".1")
	if err := s.open(); err != nil {
		return err
	}
	return renameErr
}

// With returns a logger that prefixes every line with "[prefix]".
func (l *FileLogger) With(prefix string) *FileLogger {
	return &FileLogger{sink: l.sink, prefix: prefix}
}

// Log writes a formatted line with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	line := time.Now().Format(timeFormat) + " "
	if l.prefix != "" {
		line += "[" + l.prefix + "] "
	}
	line += fmt.Sprintf(format, args...) + "\n"

	if s.maxSize > 0 && s.size > 0 && s.size+int64(len(line)) > s.maxSize {
		if err := s.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, _ := s.file.WriteString(line)
	s.size += int64(n)
}

// Close closes the underlying file. Loggers derived with With stop writing too.
func (l *FileLogger) Close() error {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
