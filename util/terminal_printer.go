package util

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosuri/uilive"
)

// ProgressPrinter rewrites a single status line in place at a fixed
// frequency. Writers hand it whole lines; only the most recent one is
// shown. Implements io.Writer so it can be handed anywhere a plain writer
// is expected.
type ProgressPrinter struct {
	mu        sync.Mutex
	line      string
	frequency time.Duration
	doneCh    chan struct{}
	writer    *uilive.Writer
}

func NewProgressPrinter(frequency time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		frequency: frequency,
		doneCh:    make(chan struct{}),
		writer:    uilive.New(),
	}
}

// Write stores the latest line. Never blocks on the terminal.
func (p *ProgressPrinter) Write(bs []byte) (int, error) {
	p.mu.Lock()
	p.line = string(bs)
	p.mu.Unlock()
	return len(bs), nil
}

func (p *ProgressPrinter) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-p.doneCh:
				p.writer.Stop()
				return
			case <-ctx.Done():
				p.writer.Stop()
				return
			case <-time.After(p.frequency):
				p.print()
			}
		}
	}()
}

func (p *ProgressPrinter) Stop() {
	close(p.doneCh)
}

func (p *ProgressPrinter) print() {
	p.mu.Lock()
	line := p.line
	p.mu.Unlock()
	if line == "" {
		return
	}
	fmt.Fprint(p.writer, line)
	p.writer.Flush()
}
