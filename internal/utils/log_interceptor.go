// Package utils holds small helpers shared by the blobsync packages.
package utils

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxBufferSize is the longest partial line held back. Longer ones are
// written out as they are.
const maxBufferSize = 1024 * 1024

// LogInterceptor prefixes every line written through it with a sequence
// number and a timestamp. Partial lines are held until their newline
// arrives. It is safe for concurrent use.
type LogInterceptor struct {
	mu             sync.Mutex
	target         io.Writer
	sequenceNumber *atomic.Uint64
	interceptBuf   *bytes.Buffer
}

// NewLogInterceptor writes the prefixed lines to target.
func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{
		target:         target,
		sequenceNumber: &atomic.Uint64{},
		interceptBuf:   &bytes.Buffer{},
	}
}

// writeFormattedLine writes line, which ends in a newline, behind its
// prefix.
func (i *LogInterceptor) writeFormattedLine(line []byte) (int, error) {
	lineNum := i.sequenceNumber.Add(1)
	totalWritten := 0

	// Write the line number
	lineNumStr := slog.Uint64("line", lineNum).String() + " "
	n, err := io.WriteString(i.target, lineNumStr)
	totalWritten += n
	if err != nil {
		return totalWritten, err
	}

	// Write the timestamp
	timeStr := slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	n, err = io.WriteString(i.target, timeStr)
	totalWritten += n
	if err != nil {
		return totalWritten, err
	}

	// Write the line
	n, err = i.target.Write(line)
	totalWritten += n
	return totalWritten, err
}

// Write buffers p and forwards every complete line. It reports len(p) as
// written once the complete lines reached the target.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.interceptBuf.Write(p); err != nil {
		return 0, err
	}
	for {
		idx := bytes.IndexByte(i.interceptBuf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.interceptBuf.Next(idx + 1)
		if _, err := i.writeFormattedLine(line); err != nil {
			return 0, err
		}
	}
	if i.interceptBuf.Len() > maxBufferSize {
		line := append(bytes.Clone(i.interceptBuf.Bytes()), '\n')
		i.interceptBuf.Reset()
		if _, err := i.writeFormattedLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the target if it is an
// io.Closer.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var err error
	if remaining := i.interceptBuf.Bytes(); len(remaining) > 0 {
		_, err = i.writeFormattedLine(append(bytes.Clone(remaining), '\n'))
		i.interceptBuf.Reset()
	}
	if c, ok := i.target.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
