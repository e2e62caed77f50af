package domain

import "testing"

func TestRequiredParent(t *testing.T) {
	cases := []struct {
		child  IssueType
		parent IssueType
	}{
		{TypeStory, TypeEpic},
		{TypeTask, TypeStory},
		{TypeBug, TypeTask},
		{TypeSubtask, TypeTask},
	}
	for _, c := range cases {
		got, ok := c.child.RequiredParent()
		if !ok || got != c.parent {
			t.Errorf("%s: required parent = %s, want %s", c.child, got, c.parent)
		}
	}
	if _, ok := TypeEpic.RequiredParent(); ok {
		t.Errorf("epic should not require a parent")
	}
	if !TypeEpic.Root() {
		t.Errorf("epic should be a root type")
	}
	if TypeBug.Root() {
		t.Errorf("bug should not be a root type")
	}
}

func TestIssueTypeCodes(t *testing.T) {
	want := map[IssueType]int{TypeEpic: 1, TypeStory: 2, TypeTask: 3, TypeBug: 4, TypeSubtask: 5}
	for typ, code := range want {
		if typ.Code() != code {
			t.Errorf("%s: code = %d, want %d", typ, typ.Code(), code)
		}
		back, ok := IssueTypeFromCode(code)
		if !ok || back != typ {
			t.Errorf("code %d: round-trip = %s, want %s", code, back, typ)
		}
	}
	if _, ok := IssueTypeFromCode(99); ok {
		t.Errorf("unknown code should not resolve")
	}
	if IssueType("milestone").Valid() {
		t.Errorf("unknown type should be invalid")
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateOpen, StateInProgress, true},
		{StateOpen, StateClosed, true},
		{StateOpen, StateReopened, false},
		{StateInProgress, StateOpen, true},
		{StateInProgress, StateClosed, true},
		{StateInProgress, StateReopened, false},
		{StateClosed, StateReopened, true},
		{StateClosed, StateOpen, false},
		{StateClosed, StateInProgress, false},
		{StateReopened, StateInProgress, true},
		{StateReopened, StateClosed, true},
		{StateReopened, StateOpen, false},
		{StateOpen, StateOpen, false},
		{StateClosed, StateClosed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.allowed {
			t.Errorf("%s -> %s: allowed = %v, want %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestStateCodes(t *testing.T) {
	want := map[State]int{StateOpen: 1, StateInProgress: 2, StateClosed: 3, StateReopened: 4}
	for st, code := range want {
		if st.Code() != code {
			t.Errorf("%s: code = %d, want %d", st, st.Code(), code)
		}
		back, ok := StateFromCode(code)
		if !ok || back != st {
			t.Errorf("code %d: round-trip = %s, want %s", code, back, st)
		}
	}
}

func TestTransitionsOrdering(t *testing.T) {
	got := StateOpen.Transitions()
	if len(got) != 2 || got[0] != StateInProgress || got[1] != StateClosed {
		t.Errorf("open transitions = %v", got)
	}
	got = StateClosed.Transitions()
	if len(got) != 1 || got[0] != StateReopened {
		t.Errorf("closed transitions = %v", got)
	}
}
