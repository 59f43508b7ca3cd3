package onpolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/util"
)

// checkpointRecord is the persisted engine state. Worker seeds are stored
// alongside the trainer seed they were derived from so a load can re-derive
// and cross-check them.
type checkpointRecord struct {
	TotalUpdates       int
	PipelineStage      int
	RolloutCount       int
	BackpropCount      int
	StepCount          int
	TotalSteps         int
	LastSchedulerSteps int
	LocalStartTime     string

	ModelState     map[string][]float64
	OptimizerState map[string][]float64

	HasSeed     bool
	TrainerSeed uint64
	WorkerSeeds []uint64
}

// CheckpointSave rotates the trainer seed, reseeds the workers, and writes
// the full engine state. Returns the checkpoint path.
func (e *Engine) CheckpointSave() (string, error) {
	record := &checkpointRecord{
		TotalUpdates:       e.totalUpdates,
		PipelineStage:      e.pipelineStage,
		RolloutCount:       e.rolloutCount,
		BackpropCount:      e.backpropCount,
		StepCount:          e.stepCount,
		TotalSteps:         e.totalSteps,
		LastSchedulerSteps: e.lastSchedulerSteps,
		LocalStartTime:     e.localStartTime,
		ModelState:         make(map[string][]float64),
	}

	for _, p := range e.actorCritic.Parameters() {
		record.ModelState[p.Name] = append([]float64{}, p.Data...)
	}
	if e.optimizer != nil {
		record.OptimizerState = e.optimizer.StateDict()
	}

	seedTag := ""
	if e.seed != nil {
		// Rotate to a fresh trainer seed so the stored worker seeds are a
		// pure function of it; a load re-derives and verifies them.
		newSeed := WorkerSeeds(e.rng, 1)[0]
		e.rng = NewSeededRand(newSeed)
		seeds := WorkerSeeds(e.rng, e.numProcesses)
		e.vectorTasks.SetSeeds(seeds)
		record.HasSeed = true
		record.TrainerSeed = newSeed
		record.WorkerSeeds = seeds
		e.seed = &newSeed
		seedTag = fmt.Sprintf("__seed_%d", newSeed)
	}

	path := filepath.Join(
		e.outputDir,
		"checkpoints",
		e.localStartTime,
		fmt.Sprintf(
			"exp_%s__time_%s__stage_%02d__steps_%012d%s.ckpt",
			e.config.Tag(), e.localStartTime, e.pipelineStage,
			e.totalSteps+e.stepCount, seedTag,
		),
	)
	if err := util.SaveGob(path, record); err != nil {
		return "", errors.Wrapf(err, "saving checkpoint %s", path)
	}
	return path, nil
}

// CheckpointLoad restores model weights and step accounting and, when
// resuming training, the optimizer state and stage counters. A seeded
// checkpoint has its worker seeds re-derived from the stored trainer seed
// and verified against the stored list before the workers are reseeded.
func (e *Engine) CheckpointLoad(path string, restoreEngineState bool) error {
	record := &checkpointRecord{}
	if err := util.LoadGob(path, record); err != nil {
		return errors.Wrapf(err, "loading checkpoint %s", path)
	}

	for _, p := range e.actorCritic.Parameters() {
		stored, ok := record.ModelState[p.Name]
		if !ok {
			return errors.Errorf("checkpoint %s missing parameter %q", path, p.Name)
		}
		if len(stored) != len(p.Data) {
			return errors.Errorf(
				"checkpoint %s parameter %q has %d values, model expects %d",
				path, p.Name, len(stored), len(p.Data),
			)
		}
		copy(p.Data, stored)
	}

	if record.HasSeed {
		e.rng = NewSeededRand(record.TrainerSeed)
		seeds := WorkerSeeds(e.rng, e.numProcesses)
		if e.mode == ModeTrain && !seedsEqual(seeds, record.WorkerSeeds) {
			return errors.Errorf(
				"checkpoint %s worker seeds do not re-derive from trainer seed %d",
				path, record.TrainerSeed,
			)
		}
		seed := record.TrainerSeed
		e.seed = &seed
		if e.mode == ModeTrain {
			e.vectorTasks.SetSeeds(seeds)
		}
	}

	// Step accounting is restored in every mode so evaluation results are
	// keyed by the checkpoint's own step counts.
	e.stepCount = record.StepCount
	e.totalSteps = record.TotalSteps

	if restoreEngineState {
		if e.optimizer != nil && record.OptimizerState != nil {
			if err := e.optimizer.LoadStateDict(record.OptimizerState); err != nil {
				return errors.Wrapf(err, "restoring optimizer from %s", path)
			}
		}
		e.totalUpdates = record.TotalUpdates
		e.pipelineStage = record.PipelineStage
		e.pipeline.CurrentStage = record.PipelineStage
		e.rolloutCount = record.RolloutCount
		e.backpropCount = record.BackpropCount
		e.lastSchedulerSteps = record.LastSchedulerSteps
		e.lastSave = record.StepCount
		glog.Infof(
			"resuming %s at stage %d, stage steps %d, total steps %d",
			path, e.pipelineStage, e.stepCount, e.totalSteps+e.stepCount,
		)
	}
	return nil
}

// GetCheckpointPath resolves a checkpoint name to its full path, searching
// the output tree when it is not directly under the expected directory.
// Exactly one match is required.
func (e *Engine) GetCheckpointPath(checkpointFileName string) (string, error) {
	base := filepath.Base(checkpointFileName)
	parts := strings.Split(base, "__")
	expected := ""
	for _, part := range parts {
		if strings.HasPrefix(part, "time_") {
			expected = filepath.Join(
				e.outputDir, "checkpoints", strings.TrimPrefix(part, "time_"), base,
			)
			break
		}
	}
	if expected != "" {
		if _, err := os.Stat(expected); err == nil {
			return expected, nil
		}
	}

	var matches []string
	root := filepath.Join(e.outputDir, "checkpoints")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Base(path) == base {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "searching for checkpoint %s", base)
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no checkpoint %s found under %s", base, root)
	}
	if len(matches) > 1 {
		return "", errors.Errorf(
			"too many checkpoints match %s: %s", base, strings.Join(matches, ", "),
		)
	}
	return matches[0], nil
}

// GetCheckpointFiles lists the checkpoints of one training run in step
// order, keeping every skip+1'th and always the final one.
func (e *Engine) GetCheckpointFiles(experimentDate, checkpointFileName string, skip int) ([]string, error) {
	if checkpointFileName != "" {
		path, err := e.GetCheckpointPath(checkpointFileName)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	pattern := filepath.Join(e.outputDir, "checkpoints", experimentDate, "exp_*.ckpt")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "globbing %s", pattern)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no checkpoints found for %s", experimentDate)
	}
	sort.Strings(files)

	if skip < 0 {
		skip = 0
	}
	var kept []string
	for i := 0; i < len(files); i += skip + 1 {
		kept = append(kept, files[i])
	}
	if kept[len(kept)-1] != files[len(files)-1] {
		kept = append(kept, files[len(files)-1])
	}
	return kept, nil
}
