package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Record is one flushed batch of scalar means keyed by global step count.
type Record struct {
	RunID   string             `json:"run_id"`
	Mode    string             `json:"mode"`
	Steps   int                `json:"steps"`
	Scalars map[string]float64 `json:"scalars"`
}

// Sink appends metric records to a per-run JSONL file under
// <outputDir>/metrics/<tag>/<startTime>.jsonl.
type Sink struct {
	mtx    sync.Mutex
	file   *os.File
	enc    *json.Encoder
	runID  string
	closed bool
}

func NewSink(outputDir, tag, startTime, runID string) (*Sink, error) {
	dir := filepath.Join(outputDir, "metrics", tag)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating metrics directory")
	}
	path := filepath.Join(dir, startTime+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening metrics file")
	}
	return &Sink{
		file:  file,
		enc:   json.NewEncoder(file),
		runID: runID,
	}, nil
}

// WriteScalars appends one record. Empty scalar maps are skipped.
func (s *Sink) WriteScalars(mode string, scalars map[string]float64, steps int) error {
	if len(scalars) == 0 {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return errors.New("metrics sink closed")
	}
	return s.enc.Encode(Record{
		RunID:   s.runID,
		Mode:    mode,
		Steps:   steps,
		Scalars: scalars,
	})
}

// Close is idempotent.
func (s *Sink) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.file.Close()
}
