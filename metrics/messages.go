package metrics

// Tag discriminates the payloads carried on the shared metrics queue.
// Untagged messages are raw scalar task metrics reported by workers.
type Tag string

const (
	TagTask    Tag = ""
	TagUpdate  Tag = "update_package"
	TagTeacher Tag = "teacher_package"
	TagValid   Tag = "valid_metrics"
	TagTest    Tag = "test_metrics"
)

// UpdatePackage describes one gradient step.
type UpdatePackage struct {
	TotalLoss     float64
	LR            float64
	HasLR         bool
	Losses        map[string]map[string]float64
	TotalUpdates  int
	BackpropCount int
	RolloutCount  int
	Epoch         int
	Batch         int
}

// EvalPackage carries aggregated validation or test scalars together with
// the global step count of the checkpoint they were computed from.
type EvalPackage struct {
	Scalars map[string]float64
	Steps   int
}

// Message is the single element type of the metrics queue. Producers set
// the field matching their tag; interleaving from multiple producers is
// tolerated because every payload is self-describing.
type Message struct {
	Tag     Tag
	Scalars map[string]float64
	Update  *UpdatePackage
	Eval    *EvalPackage
}

func TaskMetrics(scalars map[string]float64) Message {
	return Message{Tag: TagTask, Scalars: scalars}
}

func TeacherPackage(scalars map[string]float64) Message {
	return Message{Tag: TagTeacher, Scalars: scalars}
}
