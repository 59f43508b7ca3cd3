package onpolicy

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	erand "golang.org/x/exp/rand"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/tensor"
	"github.com/zeu5/embodied-rl/util"
)

// FlattenSeparator joins nested sensor names into flattened observation
// keys. Reserved: sensor names must not contain it.
const FlattenSeparator = "._AUTOFLATTEN_."

// RolloutStorage is the time-major buffer holding one rollout of
// transitions for every unpaused worker. Observation tensors have shape
// [T+1, N, ...sensor], recurrent hidden states [T+1, layers, N, hidden],
// and the scalar series [T(+1), N, 1]. The write cursor advances modulo T.
type RolloutStorage struct {
	Observations          map[string]*tensor.Tensor
	RecurrentHiddenStates *tensor.Tensor
	Rewards               *tensor.Tensor
	ValuePreds            *tensor.Tensor
	Returns               *tensor.Tensor
	ActionLogProbs        *tensor.Tensor
	Actions               *tensor.Tensor
	PrevActions           *tensor.Tensor
	Masks                 *tensor.Tensor

	flattenedSpaces map[string][]string

	numSteps int
	step     int

	saved *narrowedState

	rng *erand.Rand
}

// narrowedState holds the full-capacity tensors while the storage is
// truncated to the valid prefix of an early-terminated rollout.
type narrowedState struct {
	observations          map[string]*tensor.Tensor
	recurrentHiddenStates *tensor.Tensor
	rewards               *tensor.Tensor
	valuePreds            *tensor.Tensor
	returns               *tensor.Tensor
	actionLogProbs        *tensor.Tensor
	actions               *tensor.Tensor
	prevActions           *tensor.Tensor
	masks                 *tensor.Tensor
	numSteps              int
	validSteps            int
}

func NewRolloutStorage(
	numSteps, numProcesses int,
	actionSpace core.ActionSpace,
	recurrentHiddenSize, numRecurrentLayers int,
	rng *erand.Rand,
) *RolloutStorage {
	actionDim := actionSpace.ActionDim()
	return &RolloutStorage{
		Observations: make(map[string]*tensor.Tensor),
		RecurrentHiddenStates: tensor.Zeros(
			numSteps+1, numRecurrentLayers, numProcesses, recurrentHiddenSize,
		),
		Rewards:        tensor.Zeros(numSteps, numProcesses, 1),
		ValuePreds:     tensor.Zeros(numSteps+1, numProcesses, 1),
		Returns:        tensor.Zeros(numSteps+1, numProcesses, 1),
		ActionLogProbs: tensor.Zeros(numSteps, numProcesses, 1),
		Actions:        tensor.Zeros(numSteps, numProcesses, actionDim),
		PrevActions:    tensor.Zeros(numSteps+1, numProcesses, actionDim),
		Masks:          tensor.Ones(numSteps+1, numProcesses, 1),

		flattenedSpaces: make(map[string][]string),
		numSteps:        numSteps,
		rng:             rng,
	}
}

func (r *RolloutStorage) NumSteps() int {
	return r.numSteps
}

func (r *RolloutStorage) Step() int {
	return r.step
}

func (r *RolloutStorage) NumProcesses() int {
	return r.Rewards.Dim(1)
}

// InsertInitialObservations walks the batched observation tree, flattening
// nested sensor names with FlattenSeparator, and copies each leaf into the
// given timestep. The first time a flattened key is seen a zero tensor of
// shape [T+1, ...leaf] is allocated and, for nested sensors, the original
// path is registered so consumers can reconstruct the tree.
func (r *RolloutStorage) InsertInitialObservations(obs *core.Observation, timeStep int) {
	obs.Walk(func(path []string, leaf *tensor.Tensor) {
		key := strings.Join(path, FlattenSeparator)
		if _, ok := r.Observations[key]; !ok {
			shape := append([]int{r.numSteps + 1}, leaf.Shape()...)
			r.Observations[key] = tensor.Zeros(shape...)

			if len(path) > 1 {
				if _, dup := r.flattenedSpaces[key]; dup {
					panic(fmt.Sprintf(
						"new flattened name %s already existing in flattened spaces", key,
					))
				}
				r.flattenedSpaces[key] = append([]string{}, path...)
			}
		}
		copy(r.Observations[key].Step(timeStep), leaf.Data())
	})
}

// Insert writes one collected transition: next observations, hidden
// states, masks and previous actions land in slot step+1, while the
// action, its log prob, the value estimate and the reward land in slot
// step. The variadic tail guards against callers silently drifting from
// this signature.
func (r *RolloutStorage) Insert(
	obs *core.Observation,
	recurrentHiddenStates, actions, actionLogProbs, valuePreds, rewards, masks *tensor.Tensor,
	extra ...*tensor.Tensor,
) {
	if len(extra) != 0 {
		panic("rollout storage: unexpected extra arguments to Insert")
	}

	r.InsertInitialObservations(obs, r.step+1)

	copy(r.RecurrentHiddenStates.Step(r.step+1), recurrentHiddenStates.Data())
	copy(r.Actions.Step(r.step), actions.Data())
	copy(r.PrevActions.Step(r.step+1), actions.Data())
	copy(r.ActionLogProbs.Step(r.step), actionLogProbs.Data())
	copy(r.ValuePreds.Step(r.step), valuePreds.Data())
	copy(r.Rewards.Step(r.step), rewards.Data())
	copy(r.Masks.Step(r.step+1), masks.Data())

	r.step = (r.step + 1) % r.numSteps
}

// Reshape narrows the process axis of every tensor to the given index
// subset, dropping paused workers mid-rollout.
func (r *RolloutStorage) Reshape(keep []int) {
	if len(keep) == r.NumProcesses() {
		identity := true
		for i, k := range keep {
			if k != i {
				identity = false
				break
			}
		}
		if identity {
			return
		}
	}
	for key, t := range r.Observations {
		r.Observations[key] = t.KeepDim(1, keep)
	}
	r.RecurrentHiddenStates = r.RecurrentHiddenStates.KeepDim(2, keep)
	r.Rewards = r.Rewards.KeepDim(1, keep)
	r.ValuePreds = r.ValuePreds.KeepDim(1, keep)
	r.Returns = r.Returns.KeepDim(1, keep)
	r.ActionLogProbs = r.ActionLogProbs.KeepDim(1, keep)
	r.Actions = r.Actions.KeepDim(1, keep)
	r.PrevActions = r.PrevActions.KeepDim(1, keep)
	r.Masks = r.Masks.KeepDim(1, keep)
}

// Narrow truncates every tensor to the prefix filled so far, keeping the
// full-capacity tensors aside. A rollout that ended early is thereby
// complete: the cursor resets so returns and mini-batches range only over
// valid data. A no-op when the buffer is exactly full.
func (r *RolloutStorage) Narrow() {
	if r.saved != nil {
		panic("rollout storage: attempting to narrow narrowed rollouts")
	}
	if r.step == 0 {
		return
	}

	s := &narrowedState{
		observations:          r.Observations,
		recurrentHiddenStates: r.RecurrentHiddenStates,
		rewards:               r.Rewards,
		valuePreds:            r.ValuePreds,
		returns:               r.Returns,
		actionLogProbs:        r.ActionLogProbs,
		actions:               r.Actions,
		prevActions:           r.PrevActions,
		masks:                 r.Masks,
		numSteps:              r.numSteps,
		validSteps:            r.step,
	}

	obs := make(map[string]*tensor.Tensor, len(r.Observations))
	for key, t := range r.Observations {
		obs[key] = t.Narrow0(r.step + 1)
	}
	r.Observations = obs
	r.RecurrentHiddenStates = r.RecurrentHiddenStates.Narrow0(r.step + 1)
	r.PrevActions = r.PrevActions.Narrow0(r.step + 1)
	r.Masks = r.Masks.Narrow0(r.step + 1)
	r.ValuePreds = r.ValuePreds.Narrow0(r.step + 1)
	r.Returns = r.Returns.Narrow0(r.step + 1)
	r.Actions = r.Actions.Narrow0(r.step)
	r.ActionLogProbs = r.ActionLogProbs.Narrow0(r.step)
	r.Rewards = r.Rewards.Narrow0(r.step)

	r.numSteps = r.step
	r.step = 0
	r.saved = s
}

// Unnarrow restores the full-capacity tensors set aside by Narrow.
func (r *RolloutStorage) Unnarrow() {
	if r.saved == nil {
		panic("rollout storage: attempting to unnarrow unnarrowed rollouts")
	}
	s := r.saved
	r.Observations = s.observations
	r.RecurrentHiddenStates = s.recurrentHiddenStates
	r.Rewards = s.rewards
	r.ValuePreds = s.valuePreds
	r.Returns = s.returns
	r.ActionLogProbs = s.actionLogProbs
	r.Actions = s.actions
	r.PrevActions = s.prevActions
	r.Masks = s.masks
	r.numSteps = s.numSteps
	r.step = 0
	r.saved = nil
}

// AfterUpdate seeds the next rollout: the last timestep's observations,
// hidden states, masks and previous actions become timestep 0. Requires a
// completed rollout (cursor back at 0). A narrowed buffer is restored to
// full capacity, carrying its last valid timestep into slot 0.
func (r *RolloutStorage) AfterUpdate() {
	if r.step != 0 {
		panic(fmt.Sprintf(
			"rollout storage: wrong number of steps %d with capacity %d", r.step, r.numSteps,
		))
	}

	last := r.numSteps

	if r.saved != nil {
		carryObs := make(map[string]*tensor.Tensor, len(r.Observations))
		for key, t := range r.Observations {
			carryObs[key] = t.Select0(last)
		}
		carryHidden := r.RecurrentHiddenStates.Select0(last)
		carryMasks := r.Masks.Select0(last)
		carryPrev := r.PrevActions.Select0(last)

		r.Unnarrow()

		for key, t := range r.Observations {
			copy(t.Step(0), carryObs[key].Data())
		}
		copy(r.RecurrentHiddenStates.Step(0), carryHidden.Data())
		copy(r.Masks.Step(0), carryMasks.Data())
		copy(r.PrevActions.Step(0), carryPrev.Data())
		return
	}

	for _, t := range r.Observations {
		t.CopyStep(0, t, last)
	}
	r.RecurrentHiddenStates.CopyStep(0, r.RecurrentHiddenStates, last)
	r.Masks.CopyStep(0, r.Masks, last)
	r.PrevActions.CopyStep(0, r.PrevActions, last)
}

// ComputeReturns fills Returns from the collected rewards and the
// bootstrap value of the state after the last step. Masks zero the
// bootstrap across episode boundaries.
func (r *RolloutStorage) ComputeReturns(nextValue *tensor.Tensor, useGAE bool, gamma, tau float64) {
	T := r.Rewards.Dim(0)
	n := r.NumProcesses()

	if useGAE {
		copy(r.ValuePreds.Step(T), nextValue.Data())
		gae := make([]float64, n)
		for step := T - 1; step >= 0; step-- {
			rewards := r.Rewards.Step(step)
			values := r.ValuePreds.Step(step)
			nextValues := r.ValuePreds.Step(step + 1)
			nextMasks := r.Masks.Step(step + 1)
			returns := r.Returns.Step(step)
			for i := 0; i < n; i++ {
				delta := rewards[i] + gamma*nextValues[i]*nextMasks[i] - values[i]
				gae[i] = delta + gamma*tau*nextMasks[i]*gae[i]
				returns[i] = gae[i] + values[i]
			}
		}
		return
	}

	copy(r.Returns.Step(T), nextValue.Data())
	for step := T - 1; step >= 0; step-- {
		rewards := r.Rewards.Step(step)
		nextReturns := r.Returns.Step(step + 1)
		nextMasks := r.Masks.Step(step + 1)
		returns := r.Returns.Step(step)
		for i := 0; i < n; i++ {
			returns[i] = nextReturns[i]*gamma*nextMasks[i] + rewards[i]
		}
	}
}

// RecurrentGenerator shards the process axis into numMiniBatch contiguous
// near-equal partitions, shuffles the shard order, and materializes one
// batch per shard with every [T, n, ...] series flattened to [T*n, ...]
// row-major. Advantages are normalized once across the whole rollout.
func (r *RolloutStorage) RecurrentGenerator(advantages *tensor.Tensor, numMiniBatch int) ([]*core.Batch, error) {
	numProcesses := r.NumProcesses()
	if numProcesses < numMiniBatch {
		return nil, errors.Errorf(
			"the number of processes (%d) must be greater than or equal to the number of mini batches (%d)",
			numProcesses, numMiniBatch,
		)
	}

	normalized := advantages.Clone()
	normalized.Shift(-advantages.Mean())
	normalized.Scale(1 / (advantages.Std() + 1e-5))

	inds := util.PartitionInds(numProcesses, numMiniBatch)
	type pair struct{ start, end int }
	pairs := make([]pair, numMiniBatch)
	for i := 0; i < numMiniBatch; i++ {
		pairs[i] = pair{inds[i], inds[i+1]}
	}
	r.rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})

	T := r.numSteps
	batches := make([]*core.Batch, 0, numMiniBatch)
	for _, p := range pairs {
		procs := make([]int, 0, p.end-p.start)
		for i := p.start; i < p.end; i++ {
			procs = append(procs, i)
		}
		n := len(procs)

		obsBatch := make(map[string]*tensor.Tensor, len(r.Observations))
		for key, t := range r.Observations {
			obsBatch[key] = t.Narrow0(T).FlattenTimeProc(procs)
		}

		hidden := r.RecurrentHiddenStates.Select0(0).KeepDim(1, procs)

		batches = append(batches, &core.Batch{
			Observations:          r.UnflattenObservations(obsBatch),
			RecurrentHiddenStates: hidden,
			Actions:               r.Actions.FlattenTimeProc(procs),
			PrevActions:           r.PrevActions.Narrow0(T).FlattenTimeProc(procs),
			Values:                r.ValuePreds.Narrow0(T).FlattenTimeProc(procs),
			Returns:               r.Returns.Narrow0(T).FlattenTimeProc(procs),
			Masks:                 r.Masks.Narrow0(T).FlattenTimeProc(procs),
			OldActionLogProbs:     r.ActionLogProbs.FlattenTimeProc(procs),
			AdvTarg:               advantages.FlattenTimeProc(procs),
			NormAdvTarg:           normalized.FlattenTimeProc(procs),
			T:                     T,
			N:                     n,
		})
	}
	return batches, nil
}

// UnflattenObservations rebuilds the nested observation tree from
// flattened keys using the paths registered at insertion time. Keys never
// registered are top-level sensors.
func (r *RolloutStorage) UnflattenObservations(flat map[string]*tensor.Tensor) *core.Observation {
	root := core.Nested(make(map[string]*core.Observation))
	for key, t := range flat {
		path, ok := r.flattenedSpaces[key]
		if !ok {
			path = []string{key}
		}
		cur := root
		for _, part := range path[:len(path)-1] {
			child := cur.Child(part)
			if child == nil {
				child = core.Nested(make(map[string]*core.Observation))
				cur.Children[part] = child
			}
			cur = child
		}
		cur.Children[path[len(path)-1]] = core.Leaf(t)
	}
	return root
}

// PickObservationStep returns one timestep's observations as a nested
// tree.
func (r *RolloutStorage) PickObservationStep(step int) *core.Observation {
	flat := make(map[string]*tensor.Tensor, len(r.Observations))
	for key, t := range r.Observations {
		flat[key] = t.Select0(step)
	}
	return r.UnflattenObservations(flat)
}
