package gridnav

import (
	"testing"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/experiments/common"
	"github.com/zeu5/embodied-rl/policies"
)

func testFlags() *common.Flags {
	f := common.DefaultFlags()
	f.TrainScenes, f.ValidScenes, f.TestScenes = 8, 4, 4
	return f
}

func testSamplerConfig(inds []int, loop bool) SamplerConfig {
	return SamplerConfig{
		GridSize:        8,
		MaxEpisodeSteps: 40,
		StepPenalty:     0.01,
		ShapingScale:    0.1,
		GoalReward:      1.0,
		SceneInds:       inds,
		Loop:            loop,
		Seed:            3,
	}
}

func TestExpertReachesGoal(t *testing.T) {
	sampler, err := SamplerBuilder{}.NewSampler(testSamplerConfig([]int{0, 1, 2, 3}, false))
	if err != nil {
		t.Fatal(err)
	}
	defer sampler.Close()

	for task := sampler.NextTask(); task != nil; task = sampler.NextTask() {
		total := 0.0
		for step := 0; step < 100; step++ {
			obs := task.GetObservations()
			expert, ok := obs.LeafAt(policies.ExpertActionSensor)
			if !ok {
				t.Fatal("observations missing expert sensor")
			}
			if expert.At(1) != 1 {
				t.Fatal("expert action unavailable before reaching the goal")
			}
			reward, done := task.Step([]float64{expert.At(0)})
			total += reward
			if done {
				break
			}
		}
		m := task.Metrics()
		if m["success"] != 1 {
			t.Errorf("expert failed to reach goal, metrics %v", m)
		}
		if m["dist_to_target"] != 0 {
			t.Errorf("final distance = %v, want 0", m["dist_to_target"])
		}
		if total <= 0 {
			t.Errorf("expert episode reward = %v, want positive", total)
		}
	}
}

func TestSamplerExhaustionAndReset(t *testing.T) {
	sampler, err := SamplerBuilder{}.NewSampler(testSamplerConfig([]int{0, 1}, false))
	if err != nil {
		t.Fatal(err)
	}
	defer sampler.Close()

	count := 0
	for task := sampler.NextTask(); task != nil; task = sampler.NextTask() {
		count++
	}
	if count != 2 {
		t.Fatalf("served %d tasks, want 2", count)
	}

	sampler.Reset()
	if sampler.NextTask() == nil {
		t.Fatal("no task after reset")
	}
}

func TestLoopingSamplerNeverExhausts(t *testing.T) {
	sampler, err := SamplerBuilder{}.NewSampler(testSamplerConfig([]int{0}, true))
	if err != nil {
		t.Fatal(err)
	}
	defer sampler.Close()

	for i := 0; i < 5; i++ {
		if sampler.NextTask() == nil {
			t.Fatalf("looping sampler exhausted after %d tasks", i)
		}
	}
}

func TestScenesAreDeterministic(t *testing.T) {
	a := sceneFor(8, 17)
	b := sceneFor(8, 17)
	if a != b {
		t.Errorf("scene 17 differs across generations: %v vs %v", a, b)
	}
	if a.ax == a.gx && a.ay == a.gy {
		t.Error("scene starts on its goal")
	}
}

func TestShardScenesCoverAndOversample(t *testing.T) {
	seen := map[int]bool{}
	total := 0
	for p := 0; p < 2; p++ {
		for _, s := range shardScenes(10, 5, p, 2) {
			seen[s] = true
			total++
		}
	}
	if total != 5 || len(seen) != 5 {
		t.Errorf("shards cover %d scenes with %d assignments, want 5 and 5", len(seen), total)
	}
	for s := range seen {
		if s < 10 || s >= 15 {
			t.Errorf("scene %d outside base range", s)
		}
	}

	// More workers than scenes: every worker still gets one.
	for p := 0; p < 4; p++ {
		if got := shardScenes(0, 2, p, 4); len(got) != 1 {
			t.Errorf("oversampled worker %d got %d scenes, want 1", p, len(got))
		}
	}
}

func TestConfigSamplerArgsSplitModes(t *testing.T) {
	cfg := NewConfig(testFlags())
	spec := core.SamplerArgsSpec{ProcessInd: 0, TotalProcesses: 1}

	train := cfg.TrainTaskSamplerArgs(spec).(SamplerConfig)
	valid := cfg.ValidTaskSamplerArgs(spec).(SamplerConfig)
	test := cfg.TestTaskSamplerArgs(spec).(SamplerConfig)

	if !train.Loop || valid.Loop || test.Loop {
		t.Error("only the train sampler should loop")
	}
	trainSet := map[int]bool{}
	for _, s := range train.SceneInds {
		trainSet[s] = true
	}
	for _, s := range append(valid.SceneInds, test.SceneInds...) {
		if trainSet[s] {
			t.Errorf("scene %d shared between train and eval splits", s)
		}
	}
}
