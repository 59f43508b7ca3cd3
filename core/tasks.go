package core

import "github.com/zeu5/embodied-rl/metrics"

// Task is a single episode served by a task sampler.
type Task interface {
	// GetObservations returns the current observation tree.
	GetObservations() *Observation
	// Step applies one action vector and returns the reward and whether
	// the episode finished.
	Step(action []float64) (reward float64, done bool)
	// Metrics reports episode statistics, read once the episode is done.
	Metrics() map[string]float64
}

// TaskSampler produces a sequence of tasks for one worker.
type TaskSampler interface {
	// NextTask returns the next task, or nil when the sampler is
	// exhausted.
	NextTask() Task
	// Reset rewinds the sampler so NextTask starts over.
	Reset()
	SetSeed(seed uint64)
	Close()
}

// SamplerArgs is the experiment-defined payload handed to a sampler
// constructor, one per worker process.
type SamplerArgs interface{}

// SamplerArgsSpec carries the engine-side facts an experiment needs to
// build per-worker sampler arguments.
type SamplerArgsSpec struct {
	ProcessInd     int
	TotalProcesses int
	// Seeds is the full worker seed list when a global seed was supplied.
	Seeds []uint64
}

// SamplerConstructor defers sampler construction to the worker that will
// own it, in the manner of the policy/environment constructors used across
// this codebase.
type SamplerConstructor interface {
	NewSampler(args SamplerArgs) (TaskSampler, error)
}

// TaskStepResult is one worker's reply to a vectorized step. A nil
// observation signals the worker's sampler is exhausted and the worker
// should be paused.
type TaskStepResult struct {
	Observation *Observation
	Reward      float64
	Done        bool
}

// VectorTasks is the vectorized task pool contract the engine consumes.
// Indices passed to PauseAt refer to positions in the current live
// ordering, so pausing several workers must proceed in reverse order.
type VectorTasks interface {
	Step(actions [][]float64) ([]TaskStepResult, error)
	GetObservations() ([]TaskStepResult, error)
	PauseAt(pos int)
	ResumeAll()
	ResetAll()
	SetSeeds(seeds []uint64)
	// MetricsQueue is the shared multi-producer queue carrying task
	// metrics and tagged packages.
	MetricsQueue() chan metrics.Message
	NumLive() int
	Close()
}
