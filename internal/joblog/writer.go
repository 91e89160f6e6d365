// Package joblog writes the per-request log artifact: a plain text file
// next to the request output, updated while the request runs.
package joblog

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/chpolste/ecmwf-api-futures/pkg/futures"
)

// Writer appends sectioned log lines to a file and flushes after every
// write, so the artifact is current while the request is still running.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// Create opens the log artifact for a request output: the target path
// with an additional ".log" extension, truncated if it exists.
func Create(target string) (*Writer, error) {
	f, err := os.Create(target + ".log")
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, buf: bufio.NewWriter(f)}, nil
}

// Open is a futures.JobLogFactory creating one artifact per future.
func Open(f *futures.Future) (futures.JobLog, error) {
	return Create(f.Target())
}

// Section writes a section delimiter line.
func (w *Writer) Section(name string) {
	w.Lines("=== " + strings.ToUpper(name) + " ===")
}

// Lines appends lines to the log and flushes.
func (w *Writer) Lines(lines ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range lines {
		w.buf.WriteString(line)
		w.buf.WriteByte('\n')
	}
	w.buf.Flush()
}

// Close flushes and closes the artifact.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
