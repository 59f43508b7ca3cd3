package gridnav

import (
	"math"

	"github.com/pkg/errors"
	erand "golang.org/x/exp/rand"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/policies"
	"github.com/zeu5/embodied-rl/tensor"
)

// Actions on the grid.
const (
	ActionUp = iota
	ActionDown
	ActionLeft
	ActionRight
	NumActions
)

// scene is one navigation episode layout: start and goal cells.
type scene struct {
	ax, ay int
	gx, gy int
}

// sceneFor deterministically generates the layout of a global scene index,
// so every worker assigned the same index replays the same episode.
func sceneFor(gridSize int, index int) scene {
	rng := erand.New(erand.NewSource(uint64(index)*0x9e3779b9 + 1))
	s := scene{
		ax: rng.Intn(gridSize),
		ay: rng.Intn(gridSize),
	}
	for {
		s.gx = rng.Intn(gridSize)
		s.gy = rng.Intn(gridSize)
		if s.gx != s.ax || s.gy != s.ay {
			return s
		}
	}
}

// GridTask is one point-goal navigation episode on an open grid. The
// reward is distance-shaped: closing in on the goal pays, stepping costs,
// and reaching the goal pays the terminal bonus.
type GridTask struct {
	gridSize int
	maxSteps int

	stepPenalty  float64
	shapingScale float64
	goalReward   float64

	ax, ay int
	gx, gy int

	steps     int
	cumReward float64
	success   bool
}

var _ core.Task = (*GridTask)(nil)

func newGridTask(cfg SamplerConfig, s scene) *GridTask {
	return &GridTask{
		gridSize:     cfg.GridSize,
		maxSteps:     cfg.MaxEpisodeSteps,
		stepPenalty:  cfg.StepPenalty,
		shapingScale: cfg.ShapingScale,
		goalReward:   cfg.GoalReward,
		ax:           s.ax,
		ay:           s.ay,
		gx:           s.gx,
		gy:           s.gy,
	}
}

func (t *GridTask) dist() float64 {
	return math.Abs(float64(t.gx-t.ax)) + math.Abs(float64(t.gy-t.ay))
}

func (t *GridTask) atGoal() bool {
	return t.ax == t.gx && t.ay == t.gy
}

// expertAction is the greedy move along the axis with the larger offset.
// Returns (action, exists).
func (t *GridTask) expertAction() (float64, float64) {
	dx, dy := t.gx-t.ax, t.gy-t.ay
	if dx == 0 && dy == 0 {
		return 0, 0
	}
	if math.Abs(float64(dx)) >= math.Abs(float64(dy)) && dx != 0 {
		if dx > 0 {
			return ActionRight, 1
		}
		return ActionLeft, 1
	}
	if dy > 0 {
		return ActionDown, 1
	}
	return ActionUp, 1
}

func (t *GridTask) GetObservations() *core.Observation {
	g := float64(t.gridSize)
	expert, exists := t.expertAction()
	return core.Nested(map[string]*core.Observation{
		"agent_position": core.Leaf(tensor.FromSlice(
			[]float64{float64(t.ax) / g, float64(t.ay) / g}, 2,
		)),
		"goal_offset": core.Leaf(tensor.FromSlice(
			[]float64{float64(t.gx-t.ax) / g, float64(t.gy-t.ay) / g}, 2,
		)),
		policies.ExpertActionSensor: core.Leaf(tensor.FromSlice(
			[]float64{expert, exists}, 2,
		)),
	})
}

func (t *GridTask) Step(action []float64) (float64, bool) {
	before := t.dist()
	switch int(action[0]) {
	case ActionUp:
		if t.ay > 0 {
			t.ay--
		}
	case ActionDown:
		if t.ay < t.gridSize-1 {
			t.ay++
		}
	case ActionLeft:
		if t.ax > 0 {
			t.ax--
		}
	case ActionRight:
		if t.ax < t.gridSize-1 {
			t.ax++
		}
	}
	t.steps++

	reward := -t.stepPenalty + t.shapingScale*(before-t.dist())
	done := false
	if t.atGoal() {
		reward += t.goalReward
		t.success = true
		done = true
	} else if t.steps >= t.maxSteps {
		done = true
	}
	t.cumReward += reward
	return reward, done
}

func (t *GridTask) Metrics() map[string]float64 {
	success := 0.0
	if t.success {
		success = 1.0
	}
	return map[string]float64{
		"success":        success,
		"ep_length":      float64(t.steps),
		"reward":         t.cumReward,
		"dist_to_target": t.dist(),
	}
}

// SamplerConfig is the per-worker sampler payload. SceneInds are global
// scene indices; Loop makes the sampler cycle forever, the train setting.
type SamplerConfig struct {
	GridSize        int
	MaxEpisodeSteps int
	StepPenalty     float64
	ShapingScale    float64
	GoalReward      float64

	SceneInds []int
	Loop      bool
	Seed      uint64
}

// GridTaskSampler serves episodes from its assigned scenes, shuffling the
// order each pass when looping so training does not see a fixed cycle.
type GridTaskSampler struct {
	cfg   SamplerConfig
	rng   *erand.Rand
	order []int
	next  int
}

var _ core.TaskSampler = (*GridTaskSampler)(nil)

// SamplerBuilder constructs samplers on their owning workers.
type SamplerBuilder struct{}

var _ core.SamplerConstructor = SamplerBuilder{}

func (SamplerBuilder) NewSampler(args core.SamplerArgs) (core.TaskSampler, error) {
	cfg, ok := args.(SamplerConfig)
	if !ok {
		return nil, errors.Errorf("grid sampler got args of type %T", args)
	}
	if len(cfg.SceneInds) == 0 {
		return nil, errors.New("grid sampler assigned no scenes")
	}
	s := &GridTaskSampler{
		cfg: cfg,
		rng: erand.New(erand.NewSource(cfg.Seed)),
	}
	s.order = append([]int{}, cfg.SceneInds...)
	return s, nil
}

func (s *GridTaskSampler) NextTask() core.Task {
	if s.next >= len(s.order) {
		if !s.cfg.Loop {
			return nil
		}
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
		s.next = 0
	}
	idx := s.order[s.next]
	s.next++
	return newGridTask(s.cfg, sceneFor(s.cfg.GridSize, idx))
}

func (s *GridTaskSampler) Reset() {
	s.next = 0
}

func (s *GridTaskSampler) SetSeed(seed uint64) {
	s.rng = erand.New(erand.NewSource(seed))
}

func (s *GridTaskSampler) Close() {}
