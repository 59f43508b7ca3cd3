package onpolicy

import (
	"math"
	"testing"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/tensor"
)

func testStorage(t *testing.T, numSteps, numProcesses int) *RolloutStorage {
	t.Helper()
	return NewRolloutStorage(
		numSteps, numProcesses, core.Discrete(3), 2, 1, NewSeededRand(7),
	)
}

func stepObs(vals ...float64) *core.Observation {
	return core.Nested(map[string]*core.Observation{
		"pos": core.Leaf(tensor.FromSlice(vals, len(vals), 1)),
	})
}

func insertStep(r *RolloutStorage, n int, obsVal, reward, mask float64) {
	obs := make([]float64, n)
	for i := range obs {
		obs[i] = obsVal
	}
	rewards := tensor.Zeros(n, 1)
	masks := tensor.Zeros(n, 1)
	for i := 0; i < n; i++ {
		rewards.Set(reward, i, 0)
		masks.Set(mask, i, 0)
	}
	r.Insert(
		stepObs(obs...),
		tensor.Zeros(1, n, 2),
		tensor.Zeros(n, 1),
		tensor.Zeros(n, 1),
		tensor.Zeros(n, 1),
		rewards,
		masks,
	)
}

func TestStorageInsertCycleAndAfterUpdate(t *testing.T) {
	r := testStorage(t, 2, 2)
	r.InsertInitialObservations(stepObs(1, 2), 0)

	insertStep(r, 2, 10, 0.5, 1)
	if r.Step() != 1 {
		t.Fatalf("step after one insert = %d, want 1", r.Step())
	}
	insertStep(r, 2, 20, 0.5, 0)
	if r.Step() != 0 {
		t.Fatalf("step after full rollout = %d, want 0", r.Step())
	}

	r.AfterUpdate()
	if got := r.Observations["pos"].At(0, 0, 0); got != 20 {
		t.Errorf("slot 0 observation = %v, want 20", got)
	}
	if got := r.Masks.At(0, 1, 0); got != 0 {
		t.Errorf("slot 0 mask = %v, want 0", got)
	}
}

func TestStorageAfterUpdateMidRolloutPanics(t *testing.T) {
	r := testStorage(t, 2, 2)
	r.InsertInitialObservations(stepObs(1, 2), 0)
	insertStep(r, 2, 10, 0, 1)

	defer func() {
		if recover() == nil {
			t.Fatal("AfterUpdate mid-rollout did not panic")
		}
	}()
	r.AfterUpdate()
}

func TestStorageInsertExtraArgsPanics(t *testing.T) {
	r := testStorage(t, 2, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("Insert with extra tensors did not panic")
		}
	}()
	r.Insert(
		stepObs(1),
		tensor.Zeros(1, 1, 2),
		tensor.Zeros(1, 1),
		tensor.Zeros(1, 1),
		tensor.Zeros(1, 1),
		tensor.Zeros(1, 1),
		tensor.Zeros(1, 1),
		tensor.Zeros(1, 1),
	)
}

func TestStorageReshape(t *testing.T) {
	r := testStorage(t, 2, 3)
	r.InsertInitialObservations(stepObs(1, 2, 3), 0)

	r.Reshape([]int{0, 2})
	if got := r.NumProcesses(); got != 2 {
		t.Fatalf("processes after reshape = %d, want 2", got)
	}
	if got := r.Observations["pos"].At(0, 1, 0); got != 3 {
		t.Errorf("kept observation = %v, want 3", got)
	}
	if got := r.RecurrentHiddenStates.Dim(2); got != 2 {
		t.Errorf("hidden process dim = %d, want 2", got)
	}
	if got := r.Actions.Dim(1); got != 2 {
		t.Errorf("action process dim = %d, want 2", got)
	}
}

func TestComputeReturnsSingleStep(t *testing.T) {
	cases := []struct {
		name   string
		useGAE bool
		mask   float64
		want   float64
	}{
		{"bootstrap", false, 1, 0.5 + 3},
		{"bootstrap masked", false, 0, 0.5},
		{"gae", true, 1, 0.5 + 3},
		{"gae masked", true, 0, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testStorage(t, 1, 1)
			r.InsertInitialObservations(stepObs(1), 0)
			insertStep(r, 1, 2, 0.5, tc.mask)
			r.ComputeReturns(tensor.FromSlice([]float64{3}, 1, 1), tc.useGAE, 1.0, 1.0)
			if got := r.Returns.At(0, 0, 0); math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("return = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRecurrentGeneratorPartitions(t *testing.T) {
	numSteps, numProcesses := 2, 5
	r := testStorage(t, numSteps, numProcesses)

	// Observation value encodes (timestep, process) so flattening can be
	// verified per row.
	obs := make([]float64, numProcesses)
	for p := range obs {
		obs[p] = float64(p)
	}
	r.InsertInitialObservations(stepObs(obs...), 0)
	for s := 0; s < numSteps; s++ {
		insertStep(r, numProcesses, 0, 0, 1)
		for p := 0; p < numProcesses; p++ {
			r.Observations["pos"].Set(float64(s*10+p), s, p, 0)
		}
	}

	adv := tensor.Zeros(numSteps, numProcesses, 1)
	for s := 0; s < numSteps; s++ {
		for p := 0; p < numProcesses; p++ {
			adv.Set(float64(s*numProcesses+p), s, p, 0)
		}
	}

	batches, err := r.RecurrentGenerator(adv, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}

	sizes := map[int]bool{}
	covered := 0
	for _, b := range batches {
		sizes[b.N] = true
		covered += b.N
		if b.T != numSteps {
			t.Errorf("batch T = %d, want %d", b.T, numSteps)
		}
		if got := b.Actions.Dim(0); got != b.T*b.N {
			t.Errorf("batch rows = %d, want %d", got, b.T*b.N)
		}
		if got := b.RecurrentHiddenStates.Dim(1); got != b.N {
			t.Errorf("batch hidden workers = %d, want %d", got, b.N)
		}
	}
	if covered != numProcesses {
		t.Errorf("batches cover %d processes, want %d", covered, numProcesses)
	}
	if !sizes[3] || !sizes[2] {
		t.Errorf("batch sizes = %v, want {3, 2}", sizes)
	}

	// Row r of a flattened series is timestep r/n of shard worker r%n, and
	// shards are contiguous process ranges.
	for _, b := range batches {
		pos, ok := b.Observations.LeafAt("pos")
		if !ok {
			t.Fatal("batch observations missing pos sensor")
		}
		base := int(pos.At(0, 0)) % 10
		for s := 0; s < b.T; s++ {
			for k := 0; k < b.N; k++ {
				want := float64(s*10 + base + k)
				if got := pos.At(s*b.N+k, 0); got != want {
					t.Errorf("row (%d,%d) pos = %v, want %v", s, k, got, want)
				}
			}
		}
	}
}

func TestRecurrentGeneratorTooManyMiniBatches(t *testing.T) {
	r := testStorage(t, 1, 2)
	r.InsertInitialObservations(stepObs(1, 2), 0)
	insertStep(r, 2, 0, 0, 1)
	if _, err := r.RecurrentGenerator(tensor.Zeros(1, 2, 1), 3); err == nil {
		t.Fatal("expected error when mini batches exceed processes")
	}
}

func TestNarrowUnnarrowCycle(t *testing.T) {
	r := testStorage(t, 3, 1)
	r.InsertInitialObservations(stepObs(5), 0)
	insertStep(r, 1, 6, 1, 1)

	r.Narrow()
	if r.NumSteps() != 1 || r.Step() != 0 {
		t.Fatalf("narrowed numSteps=%d step=%d, want 1, 0", r.NumSteps(), r.Step())
	}
	if got := r.Rewards.Dim(0); got != 1 {
		t.Errorf("narrowed rewards length = %d, want 1", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("double narrow did not panic")
			}
		}()
		r.Narrow()
	}()

	r.AfterUpdate()
	if r.NumSteps() != 3 {
		t.Fatalf("numSteps after AfterUpdate = %d, want 3", r.NumSteps())
	}
	if got := r.Observations["pos"].At(0, 0, 0); got != 6 {
		t.Errorf("carried observation = %v, want 6", got)
	}
}

func TestNarrowWhenFullIsNoop(t *testing.T) {
	r := testStorage(t, 1, 1)
	r.InsertInitialObservations(stepObs(1), 0)
	insertStep(r, 1, 2, 0, 1)
	r.Narrow()
	if r.NumSteps() != 1 {
		t.Fatalf("numSteps after no-op narrow = %d, want 1", r.NumSteps())
	}
}

func TestUnflattenObservations(t *testing.T) {
	r := testStorage(t, 1, 1)
	nested := core.Nested(map[string]*core.Observation{
		"rgb": core.Leaf(tensor.FromSlice([]float64{1}, 1, 1)),
		"target": core.Nested(map[string]*core.Observation{
			"offset": core.Leaf(tensor.FromSlice([]float64{2}, 1, 1)),
		}),
	})
	r.InsertInitialObservations(nested, 0)

	if _, ok := r.Observations["target"+FlattenSeparator+"offset"]; !ok {
		t.Fatal("nested sensor was not flattened")
	}

	tree := r.PickObservationStep(0)
	if _, ok := tree.LeafAt("rgb"); !ok {
		t.Error("top-level sensor missing from rebuilt tree")
	}
	if leaf, ok := tree.LeafAt("target", "offset"); !ok || leaf.At(0, 0) != 2 {
		t.Error("nested sensor missing or wrong in rebuilt tree")
	}
}
