package domain

type IssueType string

const (
	TypeEpic    IssueType = "epic"
	TypeStory   IssueType = "story"
	TypeTask    IssueType = "task"
	TypeBug     IssueType = "bug"
	TypeSubtask IssueType = "subtask"
)

// typeCodes are the stable storage ids; they never change once assigned.
var typeCodes = map[IssueType]int{
	TypeEpic:    1,
	TypeStory:   2,
	TypeTask:    3,
	TypeBug:     4,
	TypeSubtask: 5,
}

// requiredParent maps each non-root type to the single type its parent must have.
var requiredParent = map[IssueType]IssueType{
	TypeStory:   TypeEpic,
	TypeTask:    TypeStory,
	TypeBug:     TypeTask,
	TypeSubtask: TypeTask,
}

func (t IssueType) Valid() bool {
	_, ok := typeCodes[t]
	return ok
}

func (t IssueType) Code() int {
	return typeCodes[t]
}

// Root reports whether the type sits at the top of the hierarchy.
func (t IssueType) Root() bool {
	return t == TypeEpic
}

// RequiredParent returns the parent type the hierarchy demands. ok is false
// for root types.
func (t IssueType) RequiredParent() (IssueType, bool) {
	p, ok := requiredParent[t]
	return p, ok
}

func IssueTypeFromCode(code int) (IssueType, bool) {
	for t, c := range typeCodes {
		if c == code {
			return t, true
		}
	}
	return "", false
}

func ParseIssueType(s string) (IssueType, bool) {
	t := IssueType(s)
	return t, t.Valid()
}

type State string

const (
	StateOpen       State = "open"
	StateInProgress State = "in_progress"
	StateClosed     State = "closed"
	StateReopened   State = "reopened"
)

var stateCodes = map[State]int{
	StateOpen:       1,
	StateInProgress: 2,
	StateClosed:     3,
	StateReopened:   4,
}

// allowedTransitions is the full lifecycle table. A state absent from the
// inner set is unreachable from the outer one.
var allowedTransitions = map[State]map[State]struct{}{
	StateOpen:       {StateInProgress: {}, StateClosed: {}},
	StateInProgress: {StateOpen: {}, StateClosed: {}},
	StateClosed:     {StateReopened: {}},
	StateReopened:   {StateInProgress: {}, StateClosed: {}},
}

func (s State) Valid() bool {
	_, ok := stateCodes[s]
	return ok
}

func (s State) Code() int {
	return stateCodes[s]
}

// CanTransition reports whether the lifecycle table allows moving to next.
// Self-transitions are not in the table.
func (s State) CanTransition(next State) bool {
	_, ok := allowedTransitions[s][next]
	return ok
}

// Transitions returns the reachable states in code order.
func (s State) Transitions() []State {
	var out []State
	for _, c := range []State{StateOpen, StateInProgress, StateClosed, StateReopened} {
		if s.CanTransition(c) {
			out = append(out, c)
		}
	}
	return out
}

func StateFromCode(code int) (State, bool) {
	for s, c := range stateCodes {
		if c == code {
			return s, true
		}
	}
	return "", false
}

func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityCodes = map[Priority]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

func (p Priority) Valid() bool {
	_, ok := priorityCodes[p]
	return ok
}

func (p Priority) Code() int {
	return priorityCodes[p]
}

func PriorityFromCode(code int) (Priority, bool) {
	for p, c := range priorityCodes {
		if c == code {
			return p, true
		}
	}
	return "", false
}

func ParsePriority(s string) (Priority, bool) {
	p := Priority(s)
	return p, p.Valid()
}
