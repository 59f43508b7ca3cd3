package vector

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/metrics"
)

const metricsQueueCapacity = 4096

type commandKind int

const (
	cmdReset commandKind = iota
	cmdObserve
	cmdStep
	cmdSeed
)

type command struct {
	kind   commandKind
	action []float64
	seed   uint64
}

type reply struct {
	result core.TaskStepResult
	err    error
}

// worker owns one task sampler and serves commands from its channel, in
// the manner of the parallel experiment workers elsewhere in this
// codebase.
type worker struct {
	id      int
	sampler core.TaskSampler
	task    core.Task
	cmdCh   chan command
	replyCh chan reply
	metrics chan<- metrics.Message
}

func (w *worker) run() {
	for cmd := range w.cmdCh {
		switch cmd.kind {
		case cmdReset:
			w.sampler.Reset()
			w.task = w.sampler.NextTask()
			w.replyCh <- reply{result: w.observe()}
		case cmdObserve:
			if w.task == nil {
				w.task = w.sampler.NextTask()
			}
			w.replyCh <- reply{result: w.observe()}
		case cmdStep:
			w.replyCh <- w.step(cmd.action)
		case cmdSeed:
			w.sampler.SetSeed(cmd.seed)
			w.replyCh <- reply{}
		}
	}
	w.sampler.Close()
}

func (w *worker) observe() core.TaskStepResult {
	if w.task == nil {
		return core.TaskStepResult{}
	}
	return core.TaskStepResult{Observation: w.task.GetObservations()}
}

func (w *worker) step(action []float64) reply {
	if w.task == nil {
		return reply{err: errors.Errorf("worker %d stepped with no active task", w.id)}
	}
	reward, done := w.task.Step(action)
	if done {
		w.publish(metrics.TaskMetrics(w.task.Metrics()))
		w.task = w.sampler.NextTask()
	}
	res := core.TaskStepResult{Reward: reward, Done: done}
	if w.task != nil {
		res.Observation = w.task.GetObservations()
	}
	return reply{result: res}
}

func (w *worker) publish(m metrics.Message) {
	select {
	case w.metrics <- m:
	default:
		glog.Warningf("metrics queue full, dropping task metrics from worker %d", w.id)
	}
}

// Tasks is a goroutine-backed vectorized task pool. One goroutine per
// sampler serves a command channel; Step fans a command out to every live
// worker and collects replies in worker order, so transition ordering is
// deterministic.
type Tasks struct {
	workers []*worker
	live    []int
	queue   chan metrics.Message
	closed  bool
}

var _ core.VectorTasks = (*Tasks)(nil)

// New constructs one sampler per args entry and starts its worker.
func New(constructor core.SamplerConstructor, args []core.SamplerArgs) (*Tasks, error) {
	t := &Tasks{
		queue: make(chan metrics.Message, metricsQueueCapacity),
	}
	for i, a := range args {
		sampler, err := constructor.NewSampler(a)
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "constructing sampler %d", i)
		}
		w := &worker{
			id:      i,
			sampler: sampler,
			cmdCh:   make(chan command),
			replyCh: make(chan reply, 1),
			metrics: t.queue,
		}
		t.workers = append(t.workers, w)
		t.live = append(t.live, i)
		go w.run()
	}
	return t, nil
}

func (t *Tasks) MetricsQueue() chan metrics.Message {
	return t.queue
}

func (t *Tasks) NumLive() int {
	return len(t.live)
}

// broadcast sends one command per live worker and gathers replies in live
// order.
func (t *Tasks) broadcast(cmds []command) ([]core.TaskStepResult, error) {
	for i, li := range t.live {
		t.workers[li].cmdCh <- cmds[i]
	}
	results := make([]core.TaskStepResult, len(t.live))
	var firstErr error
	for i, li := range t.live {
		r := <-t.workers[li].replyCh
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		results[i] = r.result
	}
	return results, firstErr
}

func same(kind commandKind, n int) []command {
	cmds := make([]command, n)
	for i := range cmds {
		cmds[i] = command{kind: kind}
	}
	return cmds
}

// Step applies one action per live worker. The actions slice length must
// match the live worker count.
func (t *Tasks) Step(actions [][]float64) ([]core.TaskStepResult, error) {
	if len(actions) != len(t.live) {
		return nil, errors.Errorf(
			"got %d actions for %d live workers", len(actions), len(t.live),
		)
	}
	cmds := make([]command, len(actions))
	for i, a := range actions {
		cmds[i] = command{kind: cmdStep, action: a}
	}
	return t.broadcast(cmds)
}

// GetObservations returns the current observation of every live worker,
// pulling each worker's first task if necessary.
func (t *Tasks) GetObservations() ([]core.TaskStepResult, error) {
	return t.broadcast(same(cmdObserve, len(t.live)))
}

// PauseAt removes the worker at the given live position from the active
// set. Positions shift down, so callers pausing several workers go in
// reverse order.
func (t *Tasks) PauseAt(pos int) {
	t.live = append(t.live[:pos], t.live[pos+1:]...)
}

func (t *Tasks) ResumeAll() {
	t.live = t.live[:0]
	for i := range t.workers {
		t.live = append(t.live, i)
	}
}

// ResetAll rewinds every live worker's sampler to its first task.
func (t *Tasks) ResetAll() {
	if _, err := t.broadcast(same(cmdReset, len(t.live))); err != nil {
		glog.Warningf("reset failed: %v", err)
	}
}

// SetSeeds reseeds workers by original worker index.
func (t *Tasks) SetSeeds(seeds []uint64) {
	n := len(seeds)
	if n > len(t.workers) {
		n = len(t.workers)
	}
	for i := 0; i < n; i++ {
		t.workers[i].cmdCh <- command{kind: cmdSeed, seed: seeds[i]}
	}
	for i := 0; i < n; i++ {
		<-t.workers[i].replyCh
	}
}

// Close stops every worker and closes its sampler. Idempotent.
func (t *Tasks) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for _, w := range t.workers {
		close(w.cmdCh)
	}
	t.live = nil
}
