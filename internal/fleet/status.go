package fleet

// TaskStatus is the lifecycle state of a fleet task.
type TaskStatus string

const (
	StatusProposed  TaskStatus = "proposed"
	StatusSpawning  TaskStatus = "spawning"
	StatusRunning   TaskStatus = "running"
	StatusPRCreated TaskStatus = "pr_created"
	StatusReviewing TaskStatus = "reviewing"
	StatusMerged    TaskStatus = "merged"
	StatusFailed    TaskStatus = "failed"
	StatusAbandoned TaskStatus = "abandoned"
	StatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusProposed,
	StatusSpawning,
	StatusRunning,
	StatusPRCreated,
	StatusReviewing,
	StatusMerged,
	StatusFailed,
	StatusAbandoned,
	StatusCancelled,
}

// LiveStatuses are the statuses expected to have a backing agent process.
var LiveStatuses = []TaskStatus{
	StatusSpawning,
	StatusRunning,
	StatusPRCreated,
	StatusReviewing,
}

// DeletableStatuses are the terminal statuses whose records may be deleted.
var DeletableStatuses = []TaskStatus{
	StatusMerged,
	StatusAbandoned,
	StatusCancelled,
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusProposed: {
		StatusSpawning:  {},
		StatusCancelled: {},
		StatusAbandoned: {},
	},
	StatusSpawning: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusPRCreated: {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusAbandoned: {},
	},
	StatusPRCreated: {
		StatusReviewing: {},
		StatusMerged:    {},
		StatusFailed:    {},
		StatusAbandoned: {},
		StatusCancelled: {},
	},
	StatusReviewing: {
		StatusPRCreated: {}, // Changes requested.
		StatusMerged:    {},
		StatusFailed:    {},
		StatusAbandoned: {},
		StatusCancelled: {},
	},
	StatusFailed: {
		StatusAbandoned: {},
	},
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanApply is CanTransition plus same-status updates of live tasks, which patch
// fields such as the CI status without moving the task.
func CanApply(from, to TaskStatus) bool {
	if from == to {
		return from.IsLive()
	}
	return CanTransition(from, to)
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsLive reports whether a task in this status should have a running agent.
func (s TaskStatus) IsLive() bool {
	for _, live := range LiveStatuses {
		if s == live {
			return true
		}
	}
	return false
}

// IsDeletable reports whether a record in this status may be deleted.
func (s TaskStatus) IsDeletable() bool {
	for _, st := range DeletableStatuses {
		if s == st {
			return true
		}
	}
	return false
}
