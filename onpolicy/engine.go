package onpolicy

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/metrics"
	"github.com/zeu5/embodied-rl/tensor"
	"github.com/zeu5/embodied-rl/vector"
)

const timeLayout = "2006-01-02_15-04-05"

// Engine is the on-policy training controller: it drives the vectorized
// task pool, fills the rollout storage, runs the multi-loss weighted
// optimization, checkpoints, and feeds a background validation worker. One
// engine instance serves exactly one mode.
type Engine struct {
	mode      Mode
	config    ExperimentConfig
	outputDir string
	seed      *uint64

	pipeline      *TrainingPipeline
	machineParams MachineParams
	actorCritic   core.ActorCritic
	optimizer     core.Optimizer
	scheduler     core.Scheduler
	vectorTasks   core.VectorTasks

	runID    string
	sink     *metrics.Sink
	scalars  *metrics.ScalarMeanTracker
	progress io.Writer

	rng          *erand.Rand
	numProcesses int

	// Counters owned exclusively by the engine; all of them are part of
	// the persisted checkpoint state.
	totalUpdates  int
	pipelineStage int
	rolloutCount  int
	backpropCount int
	stepCount     int
	totalSteps    int

	lastLog  int
	lastSave int

	// Per-stage fields populated by setupStage.
	losses             map[string]core.Loss
	lossNames          []string
	lossWeights        map[string]float64
	stepsInRollout     int
	updateEpochs       int
	updateMiniBatches  int
	numRollouts        int
	gamma              float64
	useGAE             bool
	gaeLambda          float64
	maxGradNorm        float64
	teacherForcing     *LinearDecay
	earlyStop          EarlyStoppingCriterion
	deterministicAgent bool

	lastValid          map[string]float64
	localStartTime     string
	lastSchedulerSteps int

	evalCh    chan string
	evalDone  chan struct{}
	closeOnce sync.Once
}

// NewEngine builds the model, optimizer, scheduler and vectorized task
// pool for the given mode. A train-mode engine additionally spawns the
// background validation worker when validation capacity is allocated.
func NewEngine(config ExperimentConfig, outputDir string, seed *uint64, mode Mode) (*Engine, error) {
	if mode != ModeTrain && mode != ModeValid && mode != ModeTest {
		return nil, errors.Errorf("only train, valid, test modes supported, got %q", mode)
	}

	pipeline, err := config.TrainingPipeline()
	if err != nil {
		return nil, errors.Wrap(err, "building training pipeline")
	}
	if err := pipeline.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating training pipeline")
	}

	machineParams, err := config.MachineParams(mode)
	if err != nil {
		return nil, errors.Wrapf(err, "machine params for mode %s", mode)
	}

	e := &Engine{
		mode:          mode,
		config:        config,
		outputDir:     outputDir,
		seed:          seed,
		pipeline:      pipeline,
		machineParams: machineParams,
		actorCritic:   config.CreateModel(),
		runID:         uuid.NewString(),
		scalars:       metrics.NewScalarMeanTracker(),
		progress:      io.Discard,
		numProcesses:  machineParams.NumProcesses,
	}

	var seeds []uint64
	if seed != nil {
		e.rng = NewSeededRand(*seed)
		seeds = WorkerSeeds(e.rng, e.numProcesses)
	} else {
		e.rng = erand.New(erand.NewSource(uint64(time.Now().UnixNano())))
	}

	if mode == ModeTrain {
		e.optimizer = pipeline.Optimizer.NewOptimizer(e.actorCritic.Parameters())
		if pipeline.Scheduler != nil {
			e.scheduler = pipeline.Scheduler.NewScheduler(e.optimizer)
		}
	}

	args := make([]core.SamplerArgs, e.numProcesses)
	for i := 0; i < e.numProcesses; i++ {
		spec := core.SamplerArgsSpec{
			ProcessInd:     i,
			TotalProcesses: e.numProcesses,
			Seeds:          seeds,
		}
		switch mode {
		case ModeTrain:
			args[i] = config.TrainTaskSamplerArgs(spec)
		case ModeValid:
			args[i] = config.ValidTaskSamplerArgs(spec)
		case ModeTest:
			args[i] = config.TestTaskSamplerArgs(spec)
		}
	}
	tasks, err := vector.New(config.MakeSamplerFn(), args)
	if err != nil {
		return nil, errors.Wrap(err, "constructing vectorized tasks")
	}
	e.vectorTasks = tasks

	if mode == ModeTrain {
		validParams, err := config.MachineParams(ModeValid)
		if err != nil {
			e.Close()
			return nil, errors.Wrap(err, "machine params for validation")
		}
		if validParams.NumProcesses <= 0 {
			glog.Info("no processes allocated to validation, no validation will be run")
		} else {
			e.startValidator()
		}
	}

	return e, nil
}

// SetProgressWriter directs the per-rollout progress line, typically to a
// uilive writer.
func (e *Engine) SetProgressWriter(w io.Writer) {
	e.progress = w
}

func (e *Engine) startValidator() {
	e.evalCh = make(chan string, 16)
	e.evalDone = make(chan struct{})
	out := e.vectorTasks.MetricsQueue()
	go func() {
		defer close(e.evalDone)
		validator, err := NewEngine(e.config, e.outputDir, e.seed, ModeValid)
		if err != nil {
			glog.Warningf("validation worker failed to start: %v", err)
			for range e.evalCh {
				// drain so the trainer never blocks
			}
			return
		}
		validator.ProcessCheckpoints(e.evalCh, out)
	}()
}

// ProcessCheckpoints consumes checkpoint paths until the channel closes,
// evaluating each and publishing the aggregated scalars. Validation may
// lag training; results carry the checkpoint's own step count.
func (e *Engine) ProcessCheckpoints(checkpoints <-chan string, out chan<- metrics.Message) {
	if e.mode == ModeTrain {
		panic("ProcessCheckpoints only to be called from a valid or test engine")
	}
	defer e.Close()

	for path := range checkpoints {
		pkg, err := e.RunEval(path, 1)
		if err != nil {
			glog.Warningf("validation of %s failed: %v", path, err)
			continue
		}
		select {
		case out <- metrics.Message{Tag: metrics.TagValid, Eval: pkg}:
		default:
			glog.Warning("metrics queue full, dropping validation metrics")
		}
	}
}

// RunPipeline runs the full stage curriculum, resuming from the named
// checkpoint when one is given. On any failure the task pool, validation
// worker and metrics sink are released before the error propagates.
func (e *Engine) RunPipeline(ctx context.Context, checkpointFileName string) error {
	if e.mode != ModeTrain {
		return errors.New("RunPipeline requires a train-mode engine")
	}

	e.localStartTime = time.Now().Format(timeLayout)
	sink, err := metrics.NewSink(e.outputDir, e.config.Tag(), e.localStartTime, e.runID)
	if err != nil {
		e.Close()
		return err
	}
	e.sink = sink
	e.lastSchedulerSteps = 0

	if checkpointFileName != "" {
		path, err := e.GetCheckpointPath(checkpointFileName)
		if err != nil {
			e.Close()
			return err
		}
		if err := e.CheckpointLoad(path, true); err != nil {
			e.Close()
			return err
		}
	}

	for e.pipelineStage < len(e.pipeline.Stages) {
		stage := e.pipeline.Stages[e.pipelineStage]
		e.pipeline.CurrentStage = e.pipelineStage

		if err := e.setupStage(stage); err != nil {
			e.Close()
			return err
		}
		e.lastLog = e.stepCount - e.pipeline.LogInterval

		rollouts := NewRolloutStorage(
			e.stepsInRollout,
			e.numProcesses,
			e.actorCritic.ActionSpace(),
			e.actorCritic.RecurrentHiddenSize(),
			e.actorCritic.NumRecurrentLayers(),
			e.rng,
		)
		if err := e.train(ctx, rollouts); err != nil {
			return err
		}

		e.totalUpdates += e.rolloutCount
		e.pipelineStage++
		e.pipeline.CurrentStage = e.pipelineStage
		e.rolloutCount = 0
		e.backpropCount = 0
		e.totalSteps += e.stepCount
		e.stepCount = 0
		e.lastSave = 0
	}

	e.Close()
	return nil
}

// setupStage resolves every tunable over the stage -> pipeline -> machine
// chain and instantiates the stage's losses. Any unresolved value aborts
// the run.
func (e *Engine) setupStage(stage *PipelineStage) error {
	losses, err := e.pipeline.BuildLosses(stage)
	if err != nil {
		return err
	}
	e.losses = losses
	e.lossNames = append([]string{}, stage.LossNames...)
	e.lossWeights = stage.Weights()

	chain := []*Tunables{&stage.Tunables, &e.pipeline.Tunables, &e.machineParams.Defaults}

	if e.stepsInRollout, err = resolveInt("num_steps", chain, func(t *Tunables) *int { return t.NumSteps }); err != nil {
		return err
	}
	if e.updateEpochs, err = resolveInt("update_repeats", chain, func(t *Tunables) *int { return t.UpdateRepeats }); err != nil {
		return err
	}
	if e.updateMiniBatches, err = resolveInt("num_mini_batch", chain, func(t *Tunables) *int { return t.NumMiniBatch }); err != nil {
		return err
	}
	if e.gamma, err = resolveFloat("gamma", chain, func(t *Tunables) *float64 { return t.Gamma }); err != nil {
		return err
	}
	if e.useGAE, err = resolveBool("use_gae", chain, func(t *Tunables) *bool { return t.UseGAE }); err != nil {
		return err
	}
	if e.gaeLambda, err = resolveFloat("gae_lambda", chain, func(t *Tunables) *float64 { return t.GAELambda }); err != nil {
		return err
	}
	if e.maxGradNorm, err = resolveFloat("max_grad_norm", chain, func(t *Tunables) *float64 { return t.MaxGradNorm }); err != nil {
		return err
	}

	e.teacherForcing = stage.TeacherForcing
	e.earlyStop = stage.EarlyStopping

	if stage.MaxStageSteps > 0 {
		e.numRollouts = (stage.MaxStageSteps / e.stepsInRollout) / e.numProcesses
		glog.Infof(
			"using %d rollouts, %d steps (from %d)",
			e.numRollouts,
			e.numRollouts*e.numProcesses*e.stepsInRollout,
			stage.MaxStageSteps,
		)
	} else {
		// Early-stopping stages run until the criterion fires.
		e.numRollouts = -1
	}
	return nil
}

func (e *Engine) stageDone() bool {
	return e.numRollouts >= 0 && e.rolloutCount >= e.numRollouts
}

// train runs rollout collection and optimization until the stage's budget
// is exhausted or its early-stopping criterion fires.
func (e *Engine) train(ctx context.Context, rollouts *RolloutStorage) (err error) {
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	numPaused, err := e.initializeRollouts(rollouts)
	if err != nil {
		return err
	}
	if numPaused >= e.numProcesses {
		glog.Warningf("all task samplers exhausted before stage %d collected any steps", e.pipelineStage)
		return nil
	}

	for !e.stageDone() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exhausted := false
		for i := 0; i < e.stepsInRollout; i++ {
			np, err := e.collectRolloutStep(rollouts)
			if err != nil {
				return err
			}
			numPaused += np
			if numPaused >= e.numProcesses {
				exhausted = true
				break
			}
		}
		if exhausted && rollouts.Step() == 0 {
			glog.Infof("all task samplers exhausted in stage %d", e.pipelineStage)
			break
		}
		// Truncates to the valid prefix when the rollout ended early; a
		// no-op for a fully collected rollout.
		rollouts.Narrow()

		// Bootstrap value for the state after the last collected step.
		last := rollouts.NumSteps()
		out, _ := e.actorCritic.Act(
			rollouts.PickObservationStep(last),
			rollouts.RecurrentHiddenStates.Select0(last),
			rollouts.PrevActions.Select0(last),
			rollouts.Masks.Select0(last),
		)
		rollouts.ComputeReturns(out.Values, e.useGAE, e.gamma, e.gaeLambda)

		if err = e.update(rollouts); err != nil {
			return err
		}
		rollouts.AfterUpdate()

		if e.scheduler != nil {
			target := e.totalSteps + e.stepCount
			for step := e.lastSchedulerSteps + 1; step <= target; step++ {
				e.scheduler.Step(step)
			}
			e.lastSchedulerSteps = target
		}

		e.rolloutCount++

		fmt.Fprintf(e.progress, "%s\n", e.progressLine())

		if e.stepCount-e.lastLog >= e.pipeline.LogInterval || e.stageDone() {
			tracked := e.Log()
			e.lastLog = e.stepCount
			if e.earlyStop != nil &&
				e.earlyStop(e.stepCount, e.totalSteps+e.stepCount, tracked, e.lastValid) {
				glog.Infof("early stopping criterion fired in stage %d", e.pipelineStage)
				break
			}
		}

		if e.pipeline.SaveInterval > 0 &&
			(e.stepCount-e.lastSave >= e.pipeline.SaveInterval || e.stageDone()) {
			path, err := e.CheckpointSave()
			if err != nil {
				return err
			}
			e.lastSave = e.stepCount
			if e.evalCh != nil {
				select {
				case e.evalCh <- path:
				default:
					glog.Warning("validation worker backlogged, skipping checkpoint notification")
				}
			}
		}

		if exhausted {
			glog.Infof("all task samplers exhausted in stage %d", e.pipelineStage)
			break
		}
	}

	if numPaused > 0 {
		e.vectorTasks.ResumeAll()
		e.vectorTasks.ResetAll()
	}
	return nil
}

// progressLine renders the per-rollout status. An early-stopping stage
// has no rollout budget, so only the count is shown.
func (e *Engine) progressLine() string {
	rollout := fmt.Sprintf("%d", e.rolloutCount)
	if e.numRollouts >= 0 {
		rollout = fmt.Sprintf("%d/%d", e.rolloutCount, e.numRollouts)
	}
	return fmt.Sprintf(
		"Experiment: %s, Stage: %d, Rollout: %s, Stage steps: %d, Total steps: %d",
		e.config.Tag(), e.pipelineStage, rollout, e.stepCount, e.totalSteps+e.stepCount,
	)
}

// initializeRollouts resets the pool's observations into timestep 0,
// pausing any worker whose sampler is already exhausted.
func (e *Engine) initializeRollouts(rollouts *RolloutStorage) (int, error) {
	results, err := e.vectorTasks.GetObservations()
	if err != nil {
		return 0, err
	}
	npaused, keep, batched := e.removePaused(results)
	if len(keep) == 0 {
		return npaused, nil
	}
	rollouts.Reshape(keep)
	rollouts.InsertInitialObservations(batched, 0)
	return npaused, nil
}

// removePaused splits step results into live observations and exhausted
// workers, pausing the latter in reverse so live positions stay valid.
func (e *Engine) removePaused(results []core.TaskStepResult) (int, []int, *core.Observation) {
	var paused, keep []int
	var running []*core.Observation
	for i, res := range results {
		if res.Observation == nil {
			paused = append(paused, i)
		} else {
			keep = append(keep, i)
			running = append(running, res.Observation)
		}
	}
	for i := len(paused) - 1; i >= 0; i-- {
		e.vectorTasks.PauseAt(paused[i])
	}
	if len(running) == 0 {
		return len(paused), keep, nil
	}
	return len(paused), keep, core.BatchObservations(running)
}

// collectRolloutStep samples one action per live worker (teacher-forced
// where the stage schedules it), steps the pool, pauses finished workers,
// and inserts the transition. Returns the number of workers paused.
func (e *Engine) collectRolloutStep(rollouts *RolloutStorage) (int, error) {
	step := rollouts.Step()
	stepObs := rollouts.PickObservationStep(step)

	out, hidden := e.actorCritic.Act(
		stepObs,
		rollouts.RecurrentHiddenStates.Select0(step),
		rollouts.PrevActions.Select0(step),
		rollouts.Masks.Select0(step),
	)

	var actions *tensor.Tensor
	if e.deterministicAgent {
		actions = out.Distributions.Mode()
	} else {
		actions = out.Distributions.Sample(e.rng)
	}

	if e.teacherForcing != nil && e.teacherForcing.Call(e.stepCount) > 0 {
		var ratio float64
		actions, ratio = e.applyTeacherForcing(actions, stepObs)
		e.publish(metrics.TeacherPackage(map[string]float64{
			"teacher_ratio":     ratio,
			"teacher_enforcing": e.teacherForcing.Call(e.stepCount),
		}))
	}

	if e.mode == ModeTrain {
		e.stepCount += actions.NumElem()
	}

	stepActions := make([][]float64, actions.Dim(0))
	for i := range stepActions {
		stepActions[i] = append([]float64{}, actions.Step(i)...)
	}

	results, err := e.vectorTasks.Step(stepActions)
	if err != nil {
		return 0, err
	}

	npaused, keep, batched := e.removePaused(results)
	if len(keep) == 0 {
		return npaused, nil
	}

	n := len(keep)
	rewards := tensor.Zeros(n, 1)
	masks := tensor.Ones(n, 1)
	for k, i := range keep {
		rewards.Set(results[i].Reward, k, 0)
		if results[i].Done {
			// A finished episode clears the history of observations.
			masks.Set(0, k, 0)
		}
	}

	logProbs := out.Distributions.LogProbs(actions)

	rollouts.Reshape(keep)
	rollouts.Insert(
		batched,
		hidden.KeepDim(1, keep),
		actions.KeepDim(0, keep),
		logProbs.KeepDim(0, keep),
		out.Values.KeepDim(0, keep),
		rewards,
		masks,
	)

	return npaused, nil
}

// applyTeacherForcing substitutes expert actions with the scheduled
// probability, but only where the expert sensor marks an action as
// available. Returns the fraction of forced elements.
func (e *Engine) applyTeacherForcing(actions *tensor.Tensor, stepObs *core.Observation) (*tensor.Tensor, float64) {
	expert, ok := stepObs.LeafAt("expert_action")
	if !ok {
		return actions, 0
	}
	bern := distuv.Bernoulli{P: e.teacherForcing.Call(e.stepCount), Src: e.rng}

	out := actions.Clone()
	forced := 0.0
	for i := 0; i < actions.Dim(0); i++ {
		if expert.At(i, 1) == 0 {
			continue
		}
		if bern.Rand() == 1 {
			out.Set(expert.At(i, 0), i, 0)
			forced++
		}
	}
	return out, forced / float64(actions.NumElem())
}

// update runs the epoch/mini-batch optimization over one completed
// rollout. A non-finite total loss skips the gradient step with a warning
// instead of aborting the run.
func (e *Engine) update(rollouts *RolloutStorage) error {
	T := rollouts.Rewards.Dim(0)
	advantages := rollouts.Returns.Narrow0(T).Sub(rollouts.ValuePreds.Narrow0(T))

	for epoch := 0; epoch < e.updateEpochs; epoch++ {
		batches, err := rollouts.RecurrentGenerator(advantages, e.updateMiniBatches)
		if err != nil {
			return err
		}

		for bit, batch := range batches {
			out := e.actorCritic.EvaluateActions(batch)

			info := metrics.UpdatePackage{
				Losses:        make(map[string]map[string]float64, len(e.lossNames)),
				TotalUpdates:  e.totalUpdates,
				BackpropCount: e.backpropCount,
				RolloutCount:  e.rolloutCount,
				Epoch:         epoch,
				Batch:         bit,
			}
			if e.scheduler != nil {
				info.LR = e.optimizer.LR()
				info.HasLR = true
			}

			e.actorCritic.ZeroGrad()
			totalLoss := 0.0
			for _, name := range e.lossNames {
				res, err := e.losses[name].Loss(batch, out, e.lossWeights[name])
				if err != nil {
					return errors.Wrapf(err, "computing loss %q", name)
				}
				totalLoss += e.lossWeights[name] * res.Value
				info.Losses[name] = res.Info
			}

			if math.IsNaN(totalLoss) || math.IsInf(totalLoss, 0) {
				glog.Warningf("total loss (%v) was not finite, skipping update step", totalLoss)
				continue
			}
			info.TotalLoss = totalLoss
			e.publish(metrics.Message{Tag: metrics.TagUpdate, Update: &info})

			e.actorCritic.Backward(batch, out)
			clipGradNormInf(e.actorCritic.Parameters(), e.maxGradNorm)
			e.optimizer.Step()
			e.backpropCount++
		}
	}
	return nil
}

// clipGradNormInf rescales all gradients so their infinity norm does not
// exceed maxNorm.
func clipGradNormInf(params []*core.Parameter, maxNorm float64) {
	norm := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			if a := math.Abs(g); a > norm {
				norm = a
			}
		}
	}
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
}

func (e *Engine) publish(m metrics.Message) {
	select {
	case e.vectorTasks.MetricsQueue() <- m:
	default:
		glog.Warning("metrics queue full, dropping package")
	}
}

// Log drains the metrics queue, folds scalar payloads into the running
// means, flushes them to the sink keyed by global step count, and returns
// the flushed training means.
func (e *Engine) Log() map[string]float64 {
	queue := e.vectorTasks.MetricsQueue()
	evalMetrics := make(map[string]*metrics.EvalPackage)

drain:
	for {
		select {
		case m := <-queue:
			switch m.Tag {
			case metrics.TagValid:
				evalMetrics["valid"] = m.Eval
				e.lastValid = m.Eval.Scalars
			case metrics.TagTest:
				evalMetrics["test"] = m.Eval
			case metrics.TagUpdate:
				cscalars := map[string]float64{"total_loss": m.Update.TotalLoss}
				if m.Update.HasLR {
					cscalars["lr"] = m.Update.LR
				}
				for lossName, info := range m.Update.Losses {
					name := strings.TrimSuffix(lossName, "_loss")
					for k, v := range info {
						cscalars[name+"/"+k] = v
					}
				}
				e.scalars.AddScalars(cscalars)
			case metrics.TagTeacher, metrics.TagTask:
				e.scalars.AddScalars(m.Scalars)
			default:
				glog.Warningf("unknown metrics package %q", m.Tag)
			}
		default:
			break drain
		}
	}

	tracked := e.scalars.PopAndReset()
	if e.sink != nil {
		if err := e.sink.WriteScalars("train", tracked, e.totalSteps+e.stepCount); err != nil {
			glog.Warningf("writing train metrics: %v", err)
		}
		for mode, pkg := range evalMetrics {
			if err := e.sink.WriteScalars(mode, pkg.Scalars, pkg.Steps); err != nil {
				glog.Warningf("writing %s metrics: %v", mode, err)
			}
		}
	}
	return tracked
}

// processValidMetrics drains raw task metrics into the tracker and returns
// their means, requeueing any test packages it was not meant to consume.
func (e *Engine) processValidMetrics() map[string]float64 {
	queue := e.vectorTasks.MetricsQueue()
	var unused []metrics.Message

drain:
	for {
		select {
		case m := <-queue:
			if m.Tag == metrics.TagTest {
				unused = append(unused, m)
			} else if m.Tag == metrics.TagTask {
				e.scalars.AddScalars(m.Scalars)
			}
		default:
			break drain
		}
	}
	for _, m := range unused {
		e.publish(m)
	}
	return e.scalars.PopAndReset()
}

// RunEval loads a checkpoint and runs the policy deterministically until
// every worker's sampler is exhausted, then resumes and resets the pool.
func (e *Engine) RunEval(checkpointPath string, rolloutSteps int) (*metrics.EvalPackage, error) {
	if e.mode == ModeTrain {
		return nil, errors.New("RunEval only to be called from a valid or test engine")
	}
	e.deterministicAgent = true
	e.teacherForcing = nil

	if checkpointPath != "" {
		if err := e.CheckpointLoad(checkpointPath, false); err != nil {
			return nil, err
		}
	}

	rollouts := NewRolloutStorage(
		rolloutSteps,
		e.numProcesses,
		e.actorCritic.ActionSpace(),
		e.actorCritic.RecurrentHiddenSize(),
		e.actorCritic.NumRecurrentLayers(),
		e.rng,
	)

	numPaused, err := e.initializeRollouts(rollouts)
	if err != nil {
		return nil, err
	}
	steps := 0
	for numPaused < e.numProcesses {
		np, err := e.collectRolloutStep(rollouts)
		if err != nil {
			return nil, err
		}
		numPaused += np
		steps++
		if steps%rolloutSteps == 0 && rollouts.Step() == 0 && numPaused < e.numProcesses {
			rollouts.AfterUpdate()
		}
	}

	e.vectorTasks.ResumeAll()
	e.vectorTasks.ResetAll()

	return &metrics.EvalPackage{
		Scalars: e.processValidMetrics(),
		Steps:   e.totalSteps + e.stepCount,
	}, nil
}

// RunTest evaluates every checkpoint of a training run, oldest first,
// publishing test metrics as it goes.
func (e *Engine) RunTest(experimentDate, checkpointFileName string, skipCheckpoints, rolloutSteps int) error {
	if e.mode == ModeTrain {
		return errors.New("RunTest only to be called from a valid or test engine")
	}
	e.localStartTime = experimentDate

	sink, err := metrics.NewSink(e.outputDir, e.config.Tag(), experimentDate, e.runID)
	if err != nil {
		return err
	}
	e.sink = sink

	checkpoints, err := e.GetCheckpointFiles(experimentDate, checkpointFileName, skipCheckpoints)
	if err != nil {
		return err
	}

	for i, path := range checkpoints {
		glog.Infof("%d/%d %s", i+1, len(checkpoints), path)
		pkg, err := e.RunEval(path, rolloutSteps)
		if err != nil {
			return err
		}
		e.publish(metrics.Message{Tag: metrics.TagTest, Eval: pkg})
		e.Log()
	}
	return nil
}

// Close releases the task pool, joins the validation worker, and closes
// the metrics sink. Safe to call any number of times and from any exit
// path.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.vectorTasks != nil {
			e.vectorTasks.Close()
		}
		if e.evalCh != nil {
			close(e.evalCh)
			<-e.evalDone
		}
		if e.sink != nil {
			e.sink.Close()
		}
	})
}
