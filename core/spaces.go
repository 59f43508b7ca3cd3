package core

// ActionSpace describes the actions a task accepts. Discreteness lives
// here rather than in a tensor dtype: discrete actions are stored as
// whole-valued floats and converted at the task boundary.
type ActionSpace struct {
	// N is the number of discrete actions, 0 for a continuous space.
	N int
	// Dim is the action vector length for a continuous space.
	Dim int
}

func Discrete(n int) ActionSpace {
	return ActionSpace{N: n}
}

func Box(dim int) ActionSpace {
	return ActionSpace{Dim: dim}
}

func (a ActionSpace) IsDiscrete() bool {
	return a.N > 0
}

// ActionDim is the trailing dimension of action tensors: 1 for discrete
// spaces (the action index), the vector length otherwise.
func (a ActionSpace) ActionDim() int {
	if a.IsDiscrete() {
		return 1
	}
	return a.Dim
}
