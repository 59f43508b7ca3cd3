package onpolicy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/losses"
	"github.com/zeu5/embodied-rl/policies"
	"github.com/zeu5/embodied-rl/tensor"
	"github.com/zeu5/embodied-rl/util"
)

// stubTask is a two-step episode with a single scalar sensor.
type stubTask struct {
	steps int
}

func (s *stubTask) GetObservations() *core.Observation {
	return core.Nested(map[string]*core.Observation{
		"x": core.Leaf(tensor.FromSlice([]float64{0.5}, 1)),
	})
}

func (s *stubTask) Step(action []float64) (float64, bool) {
	s.steps++
	return 1.0, s.steps >= 2
}

func (s *stubTask) Metrics() map[string]float64 {
	return map[string]float64{"ep_length": float64(s.steps)}
}

type stubSampler struct{}

func (stubSampler) NextTask() core.Task { return &stubTask{} }
func (stubSampler) Reset()              {}
func (stubSampler) SetSeed(seed uint64) {}
func (stubSampler) Close()              {}

type stubBuilder struct{}

func (stubBuilder) NewSampler(args core.SamplerArgs) (core.TaskSampler, error) {
	return stubSampler{}, nil
}

// finiteSampler serves a fixed number of episodes, then exhausts.
type finiteSampler struct {
	remaining int
}

func (s *finiteSampler) NextTask() core.Task {
	if s.remaining == 0 {
		return nil
	}
	s.remaining--
	return &stubTask{}
}

func (s *finiteSampler) Reset()              { s.remaining = 1 }
func (s *finiteSampler) SetSeed(seed uint64) {}
func (s *finiteSampler) Close()              {}

type finiteBuilder struct{}

func (finiteBuilder) NewSampler(args core.SamplerArgs) (core.TaskSampler, error) {
	return &finiteSampler{remaining: 1}, nil
}

type stubConfig struct {
	stageSteps int
}

func (c *stubConfig) Tag() string { return "stub" }

func (c *stubConfig) TrainingPipeline() (*TrainingPipeline, error) {
	return &TrainingPipeline{
		NamedLosses: map[string]core.LossConstructor{
			"ppo_loss": losses.DefaultPPOConfig(),
		},
		Stages: []*PipelineStage{
			{LossNames: []string{"ppo_loss"}, MaxStageSteps: c.stageSteps},
			{LossNames: []string{"ppo_loss"}, MaxStageSteps: c.stageSteps},
		},
		Optimizer:   policies.DefaultAdamConfig(0.01),
		LogInterval: 4,
		Tunables: Tunables{
			NumSteps:      util.IntPtr(2),
			UpdateRepeats: util.IntPtr(1),
			NumMiniBatch:  util.IntPtr(1),
			Gamma:         util.Float64Ptr(0.99),
			UseGAE:        util.BoolPtr(true),
			GAELambda:     util.Float64Ptr(0.95),
			MaxGradNorm:   util.Float64Ptr(0.5),
		},
	}, nil
}

func (c *stubConfig) MachineParams(mode Mode) (MachineParams, error) {
	switch mode {
	case ModeTrain:
		return MachineParams{NumProcesses: 2}, nil
	case ModeValid:
		return MachineParams{NumProcesses: 0}, nil
	}
	return MachineParams{NumProcesses: 1}, nil
}

func (c *stubConfig) CreateModel() core.ActorCritic {
	return policies.NewLinearActorCritic(core.Discrete(2), 1, 0.5)
}

func (c *stubConfig) MakeSamplerFn() core.SamplerConstructor { return stubBuilder{} }

func (c *stubConfig) TrainTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs { return nil }
func (c *stubConfig) ValidTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs { return nil }
func (c *stubConfig) TestTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs  { return nil }

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	seed := uint64(99)
	e, err := NewEngine(&stubConfig{stageSteps: 8}, dir, &seed, ModeTrain)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	defer e.Close()
	e.localStartTime = "2026-01-02_03-04-05"
	e.pipelineStage = 1
	e.stepCount = 123
	e.totalSteps = 456
	e.backpropCount = 7
	e.actorCritic.Parameters()[0].Data[0] = 1.5

	path, err := e.CheckpointSave()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	e2 := newTestEngine(t, dir)
	defer e2.Close()
	if err := e2.CheckpointLoad(path, true); err != nil {
		t.Fatal(err)
	}

	// A mid-stage resume stays in its stage with its counters intact.
	if e2.pipelineStage != 1 {
		t.Errorf("resumed stage = %d, want 1", e2.pipelineStage)
	}
	if e2.stepCount != 123 || e2.totalSteps != 456 || e2.backpropCount != 7 {
		t.Errorf(
			"resumed counters = (%d, %d, %d), want (123, 456, 7)",
			e2.stepCount, e2.totalSteps, e2.backpropCount,
		)
	}
	if got := e2.actorCritic.Parameters()[0].Data[0]; got != 1.5 {
		t.Errorf("resumed parameter = %v, want 1.5", got)
	}
	if e2.seed == nil || e.seed == nil || *e2.seed != *e.seed {
		t.Error("resumed trainer seed does not match the rotated save-time seed")
	}
	if !seedsEqual(WorkerSeeds(NewSeededRand(*e2.seed), 2), WorkerSeeds(NewSeededRand(*e.seed), 2)) {
		t.Error("worker seeds do not re-derive identically after resume")
	}
}

// finiteStubConfig swaps in an exhaustible test sampler so evaluation
// terminates.
type finiteStubConfig struct {
	stubConfig
}

func (c *finiteStubConfig) MakeSamplerFn() core.SamplerConstructor { return finiteBuilder{} }

func TestEvalKeyedByCheckpointSteps(t *testing.T) {
	dir := t.TempDir()

	trainer := newTestEngine(t, dir)
	defer trainer.Close()
	trainer.localStartTime = "2026-01-02_03-04-05"
	trainer.stepCount = 123
	trainer.totalSteps = 456
	path, err := trainer.CheckpointSave()
	if err != nil {
		t.Fatal(err)
	}

	seed := uint64(7)
	eval, err := NewEngine(&finiteStubConfig{stubConfig{stageSteps: 8}}, dir, &seed, ModeTest)
	if err != nil {
		t.Fatal(err)
	}
	defer eval.Close()

	pkg, err := eval.RunEval(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Results carry the checkpoint's own step accounting.
	if pkg.Steps != 579 {
		t.Errorf("eval package keyed at steps %d, want 579", pkg.Steps)
	}
	// Stage counters are part of a training resume only.
	if eval.rolloutCount != 0 || eval.backpropCount != 0 || eval.pipelineStage != 0 {
		t.Errorf(
			"eval engine restored stage counters (%d, %d, %d), want (0, 0, 0)",
			eval.rolloutCount, eval.backpropCount, eval.pipelineStage,
		)
	}
}

func TestProgressLineOmitsUnboundedBudget(t *testing.T) {
	e := &Engine{
		config:        &stubConfig{},
		pipelineStage: 1,
		rolloutCount:  3,
		numRollouts:   -1,
		stepCount:     5,
		totalSteps:    10,
	}
	if line := e.progressLine(); strings.Contains(line, "-1") || !strings.Contains(line, "Rollout: 3,") {
		t.Errorf("unbounded progress line = %q", line)
	}
	e.numRollouts = 4
	if line := e.progressLine(); !strings.Contains(line, "Rollout: 3/4,") {
		t.Errorf("bounded progress line = %q", line)
	}
}

func TestCheckpointLoadRejectsCorruptSeeds(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	defer e.Close()
	e.localStartTime = "2026-01-02_03-04-05"
	path, err := e.CheckpointSave()
	if err != nil {
		t.Fatal(err)
	}

	record := &checkpointRecord{}
	if err := util.LoadGob(path, record); err != nil {
		t.Fatal(err)
	}
	record.WorkerSeeds[0]++
	if err := util.SaveGob(path, record); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, dir)
	defer e2.Close()
	if err := e2.CheckpointLoad(path, true); err == nil {
		t.Fatal("corrupt worker seeds were accepted")
	}
}

func TestGetCheckpointFilesStride(t *testing.T) {
	dir := t.TempDir()
	date := "2026-01-02_03-04-05"
	ckptDir := filepath.Join(dir, "checkpoints", date)
	if err := os.MkdirAll(ckptDir, 0755); err != nil {
		t.Fatal(err)
	}
	names := []string{
		"exp_stub__steps_000000000100.ckpt",
		"exp_stub__steps_000000000200.ckpt",
		"exp_stub__steps_000000000300.ckpt",
		"exp_stub__steps_000000000400.ckpt",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(ckptDir, n), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	e := newTestEngine(t, dir)
	defer e.Close()

	files, err := e.GetCheckpointFiles(date, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{names[0], names[2], names[3]}
	if len(files) != len(want) {
		t.Fatalf("got %d files %v, want %d", len(files), files, len(want))
	}
	for i, w := range want {
		if filepath.Base(files[i]) != w {
			t.Errorf("file %d = %s, want %s", i, filepath.Base(files[i]), w)
		}
	}
}

func TestGetCheckpointPathErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0755); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, dir)
	defer e.Close()

	if _, err := e.GetCheckpointPath("exp_missing.ckpt"); err == nil {
		t.Error("missing checkpoint did not error")
	}

	for _, sub := range []string{"a", "b"} {
		d := filepath.Join(dir, "checkpoints", sub)
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "exp_dup.ckpt"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.GetCheckpointPath("exp_dup.ckpt"); err == nil {
		t.Error("ambiguous checkpoint did not error")
	}
}

func TestRunPipelineSmoke(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	if err := e.RunPipeline(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	// Two stages of 8 task steps each, all folded into totalSteps.
	if e.totalSteps != 16 || e.stepCount != 0 {
		t.Errorf("totalSteps = %d, stepCount = %d, want 16, 0", e.totalSteps, e.stepCount)
	}
	if e.pipelineStage != 2 {
		t.Errorf("pipelineStage = %d, want 2", e.pipelineStage)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "metrics", "stub", "*.jsonl"))
	if err != nil || len(entries) != 1 {
		t.Errorf("metrics files = %v (%v), want one", entries, err)
	}
}
