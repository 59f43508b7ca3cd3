package onpolicy

import (
	"github.com/zeu5/embodied-rl/core"
)

// Mode selects the engine's role.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeValid Mode = "valid"
	ModeTest  Mode = "test"
)

// MachineParams describe the resources for one mode and supply the last
// fallback level for pipeline tunables.
type MachineParams struct {
	NumProcesses int
	Defaults     Tunables
}

// ExperimentConfig is the contract an experiment exposes to the engine. A
// config is an immutable value once handed over: the engine and every
// worker read it, nobody writes it.
type ExperimentConfig interface {
	Tag() string
	TrainingPipeline() (*TrainingPipeline, error)
	MachineParams(mode Mode) (MachineParams, error)
	CreateModel() core.ActorCritic
	MakeSamplerFn() core.SamplerConstructor
	TrainTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs
	ValidTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs
	TestTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs
}
