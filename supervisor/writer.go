package supervisor

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/logger"
)

// progressWriter adapts a worker's stdout or stderr stream into the job's
// progress log, one line per entry. Partial lines are buffered until the
// newline arrives; whatever remains at process exit is flushed on Close.
type progressWriter struct {
	store  *job.Store
	jobID  string
	stream string // empty for stdout

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, put it back and wait for more.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Close flushes any trailing partial line.
func (w *progressWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
	return nil
}

func (w *progressWriter) emit(line string) {
	if line == "" {
		return
	}
	if w.stream != "" {
		line = "[" + w.stream + "] " + line
	}
	if err := w.store.AppendProgress(w.jobID, line); err != nil {
		logger.Warnw("Failed to append worker output to progress log",
			"job_id", w.jobID,
			"error", err)
	}
}
