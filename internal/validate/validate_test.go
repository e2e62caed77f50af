package validate_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/validate"
)

type fixture struct {
	Repo repo.Repo
	Tx   *sql.Tx
	Ctx  context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range []string{"proj-1", "proj-2"} {
		if err := r.InsertProject(ctx, domain.Project{ID: id, Name: id, Status: "active", CreatedAt: now}); err != nil {
			t.Fatalf("insert project: %v", err)
		}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	return fixture{Repo: r, Tx: tx, Ctx: ctx}
}

func (f fixture) insert(t *testing.T, i domain.Issue) domain.Issue {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if i.ProjectID == "" {
		i.ProjectID = "proj-1"
	}
	if i.State == "" {
		i.State = domain.StateOpen
	}
	if i.Priority == "" {
		i.Priority = domain.PriorityMedium
	}
	if i.ReporterID == "" {
		i.ReporterID = "tester"
	}
	i.CreatedAt = now
	i.UpdatedAt = now
	if err := f.Repo.InsertIssue(f.Ctx, f.Tx, i); err != nil {
		t.Fatalf("insert issue %s: %v", i.ID, err)
	}
	return i
}

func newValidator(r repo.Repo) validate.Validator {
	return validate.Validator{Store: r}
}

func expectKind(t *testing.T, err error, want validate.Kind) {
	t.Helper()
	var ve *validate.Error
	if !errors.As(err, &ve) {
		t.Fatalf("expected %s, got %v", want, err)
	}
	if ve.Kind != want {
		t.Fatalf("expected %s, got %s (%s)", want, ve.Kind, ve.Message)
	}
}

func strptr(s string) *string { return &s }

func TestCreateHierarchyRules(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})
	foreign := f.insert(t, domain.Issue{ID: "fe1", ProjectID: "proj-2", Type: domain.TypeEpic, Title: "Foreign"})

	cases := []struct {
		name  string
		draft domain.Issue
		want  validate.Kind
	}{
		{"epic with parent", domain.Issue{Type: domain.TypeEpic, Title: "x", ParentID: &epic.ID}, validate.KindRootHasParent},
		{"task without parent", domain.Issue{Type: domain.TypeTask, Title: "x"}, validate.KindParentRequired},
		{"task under epic", domain.Issue{Type: domain.TypeTask, Title: "x", ParentID: &epic.ID}, validate.KindHierarchyMismatch},
		{"parent missing", domain.Issue{Type: domain.TypeStory, Title: "x", ParentID: strptr("ghost")}, validate.KindParentNotFound},
		{"parent in other project", domain.Issue{Type: domain.TypeStory, Title: "x", ParentID: &foreign.ID}, validate.KindCrossProjectParent},
		{"unknown type", domain.Issue{Type: "milestone", Title: "x"}, validate.KindInvalidType},
		{"empty title", domain.Issue{Type: domain.TypeEpic, Title: "  "}, validate.KindRequiredField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := tc.draft
			if draft.ProjectID == "" {
				draft.ProjectID = "proj-1"
			}
			expectKind(t, v.ValidateCreate(f.Ctx, f.Tx, draft), tc.want)
		})
	}

	ok := domain.Issue{ProjectID: "proj-1", Type: domain.TypeStory, Title: "fits", ParentID: &epic.ID}
	if err := v.ValidateCreate(f.Ctx, f.Tx, ok); err != nil {
		t.Fatalf("expected valid story, got %v", err)
	}
}

func TestCycleDetection(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})
	story := f.insert(t, domain.Issue{ID: "s1", Type: domain.TypeStory, Title: "Story", ParentID: &epic.ID})
	task := f.insert(t, domain.Issue{ID: "t1", Type: domain.TypeTask, Title: "Task", ParentID: &story.ID})

	// self-parent is the degenerate cycle
	err := v.ValidateUpdate(f.Ctx, f.Tx, task, validate.Changes{ParentID: &task.ID, ParentSet: true})
	expectKind(t, err, validate.KindHierarchyCycle)

	// a corrupted chain that loops back through the subject is rejected too
	loop := f.insert(t, domain.Issue{ID: "s2", Type: domain.TypeStory, Title: "Loop", ParentID: &task.ID})
	err = v.ValidateUpdate(f.Ctx, f.Tx, task, validate.Changes{ParentID: &loop.ID, ParentSet: true})
	expectKind(t, err, validate.KindHierarchyCycle)

	// an ancestor loop that never reaches the subject still rejects the
	// re-parent, otherwise the subject lands on a non-terminating chain
	a := f.insert(t, domain.Issue{ID: "s3", Type: domain.TypeStory, Title: "Loop a", ParentID: &epic.ID})
	b := f.insert(t, domain.Issue{ID: "s4", Type: domain.TypeStory, Title: "Loop b", ParentID: &a.ID})
	if _, err := f.Tx.ExecContext(f.Ctx, `UPDATE issues SET parent_id=? WHERE id=?`, b.ID, a.ID); err != nil {
		t.Fatalf("corrupt chain: %v", err)
	}
	err = v.ValidateUpdate(f.Ctx, f.Tx, task, validate.Changes{ParentID: &a.ID, ParentSet: true})
	expectKind(t, err, validate.KindHierarchyCycle)
}

func TestProjectImmutable(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})
	err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{ProjectID: strptr("proj-2")})
	expectKind(t, err, validate.KindProjectImmutable)
}

func TestTypeChangeRules(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})
	story := f.insert(t, domain.Issue{ID: "s1", Type: domain.TypeStory, Title: "Story", ParentID: &epic.ID})
	parented := f.insert(t, domain.Issue{ID: "s2", Type: domain.TypeStory, Title: "Parented", ParentID: &epic.ID})
	f.insert(t, domain.Issue{ID: "t1", Type: domain.TypeTask, Title: "Child", ParentID: &parented.ID})

	// retype with children is refused outright
	typ := domain.TypeTask
	err := v.ValidateUpdate(f.Ctx, f.Tx, parented, validate.Changes{Type: &typ})
	expectKind(t, err, validate.KindTypeChangeWithChildren)

	// childless retype must still fit the current parent
	err = v.ValidateUpdate(f.Ctx, f.Tx, story, validate.Changes{Type: &typ})
	expectKind(t, err, validate.KindTypeChangeIncompatible)
}

func TestCloseRequiresClosedChildren(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})
	f.insert(t, domain.Issue{ID: "s1", Type: domain.TypeStory, Title: "Open child", ParentID: &epic.ID, State: domain.StateInProgress})

	closed := domain.StateClosed
	err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{State: &closed})
	expectKind(t, err, validate.KindOpenChildren)
}

func TestInvalidStateTransition(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})

	reopened := domain.StateReopened
	err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{State: &reopened})
	expectKind(t, err, validate.KindInvalidStateTransition)

	inProgress := domain.StateInProgress
	if err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{State: &inProgress}); err != nil {
		t.Fatalf("open -> in_progress should pass: %v", err)
	}
}

func TestAssigneeExistence(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Epic"})

	err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{AssigneeID: strptr("ghost"), AssigneeSet: true})
	expectKind(t, err, validate.KindAssigneeNotFound)

	now := time.Now().UTC().Format(time.RFC3339)
	if err := f.Repo.EnsureUser(f.Ctx, f.Tx, "dev-1", now); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{AssigneeID: strptr("dev-1"), AssigneeSet: true}); err != nil {
		t.Fatalf("existing assignee should pass: %v", err)
	}
	if err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{AssigneeSet: true}); err != nil {
		t.Fatalf("clearing assignee should pass: %v", err)
	}
}

func TestRequiredFieldsPerType(t *testing.T) {
	f := newFixture(t)
	v := newValidator(f.Repo)
	v.Required = map[domain.IssueType][]string{
		domain.TypeEpic: {"description", "due_date"},
	}

	draft := domain.Issue{ProjectID: "proj-1", Type: domain.TypeEpic, Title: "Epic"}
	expectKind(t, v.ValidateCreate(f.Ctx, f.Tx, draft), validate.KindRequiredField)

	draft.Description = "scoped"
	draft.DueDate = strptr("2024-06-01")
	if err := v.ValidateCreate(f.Ctx, f.Tx, draft); err != nil {
		t.Fatalf("expected complete draft to pass: %v", err)
	}

	// clearing a required field on update is caught by the post-image check
	epic := f.insert(t, domain.Issue{ID: "e1", Type: domain.TypeEpic, Title: "Stored", Description: "d", DueDate: strptr("2024-06-01")})
	err := v.ValidateUpdate(f.Ctx, f.Tx, epic, validate.Changes{DueSet: true})
	expectKind(t, err, validate.KindRequiredField)
}
