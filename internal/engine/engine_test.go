package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/validate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreate(t *testing.T, env testEnv, opts engine.IssueCreateOptions) domain.Issue {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	i, err := env.Engine.CreateIssue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create %s %q: %v", opts.Type, opts.Title, err)
	}
	return i
}

func setState(t *testing.T, env testEnv, id string, s domain.State) (domain.Issue, error) {
	t.Helper()
	return env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: id, State: &s, ActorID: "tester"})
}

func kindOf(t *testing.T, err error) validate.Kind {
	t.Helper()
	var ve *validate.Error
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return ve.Kind
}

func TestCreateIssueDefaults(t *testing.T) {
	env := newTestEnv(t)
	i := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Payments"})
	if i.State != domain.StateOpen {
		t.Fatalf("expected open, got %s", i.State)
	}
	if i.Priority != domain.PriorityMedium {
		t.Fatalf("expected default priority medium, got %s", i.Priority)
	}
	if i.AssigneeID != nil {
		t.Fatalf("expected new issue unassigned")
	}
	if i.ReporterID != "tester" {
		t.Fatalf("expected reporter tester, got %s", i.ReporterID)
	}
	if i.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestStateTransitions(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Lifecycle"})

	i, err := setState(t, env, epic.ID, domain.StateInProgress)
	if err != nil || i.State != domain.StateInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	i, err = setState(t, env, epic.ID, domain.StateClosed)
	if err != nil || i.State != domain.StateClosed {
		t.Fatalf("to closed: %v", err)
	}
	if i.ClosedAt == nil {
		t.Fatalf("expected closed_at to be set")
	}
	i, err = setState(t, env, epic.ID, domain.StateReopened)
	if err != nil || i.State != domain.StateReopened {
		t.Fatalf("to reopened: %v", err)
	}
	if i.ClosedAt != nil {
		t.Fatalf("expected closed_at cleared on reopen")
	}

	// open -> reopened is not in the lifecycle table
	other := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Invalid"})
	_, err = setState(t, env, other.ID, domain.StateReopened)
	if kindOf(t, err) != validate.KindInvalidStateTransition {
		t.Fatalf("expected invalid_state_transition, got %v", err)
	}
}

func TestCloseBlockedByOpenChildren(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Parent"})
	story := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeStory, Title: "Child", ParentID: epic.ID})

	_, err := setState(t, env, epic.ID, domain.StateClosed)
	if kindOf(t, err) != validate.KindOpenChildren {
		t.Fatalf("expected open_children, got %v", err)
	}
	if _, err := setState(t, env, story.ID, domain.StateClosed); err != nil {
		t.Fatalf("close child: %v", err)
	}
	if _, err := setState(t, env, epic.ID, domain.StateClosed); err != nil {
		t.Fatalf("close parent after children closed: %v", err)
	}
}

func TestReopenOnlyFromClosed(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Reopen me"})
	if _, err := env.Engine.ReopenIssue(env.Ctx, epic.ID, "tester"); kindOf(t, err) != validate.KindReopenNotClosed {
		t.Fatalf("expected reopen_not_closed, got %v", err)
	}
	if _, err := setState(t, env, epic.ID, domain.StateClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	i, err := env.Engine.ReopenIssue(env.Ctx, epic.ID, "tester")
	if err != nil || i.State != domain.StateReopened {
		t.Fatalf("reopen: %v", err)
	}
}

func TestHierarchyEnforced(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Root"})

	// non-root types need the right parent type
	_, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: "proj-1", Type: domain.TypeTask, Title: "orphan task", ActorID: "tester",
	})
	if kindOf(t, err) != validate.KindParentRequired {
		t.Fatalf("expected parent_required, got %v", err)
	}
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: "proj-1", Type: domain.TypeTask, Title: "task under epic", ParentID: epic.ID, ActorID: "tester",
	})
	if kindOf(t, err) != validate.KindHierarchyMismatch {
		t.Fatalf("expected hierarchy_mismatch, got %v", err)
	}

	// epics are roots
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: "proj-1", Type: domain.TypeEpic, Title: "nested epic", ParentID: epic.ID, ActorID: "tester",
	})
	if kindOf(t, err) != validate.KindRootHasParent {
		t.Fatalf("expected root_has_parent, got %v", err)
	}

	// an issue cannot become its own parent
	story := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeStory, Title: "Story", ParentID: epic.ID})
	task := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeTask, Title: "Task", ParentID: story.ID, DueDate: "2024-02-01"})
	self := task.ID
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: task.ID, ParentID: &self, ParentSet: true, ActorID: "tester"})
	if kindOf(t, err) != validate.KindHierarchyCycle {
		t.Fatalf("expected hierarchy_cycle, got %v", err)
	}
}

func TestTypeChangeWithChildrenRejected(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Epic"})
	mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeStory, Title: "Story", ParentID: epic.ID})

	typ := domain.TypeStory
	_, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: epic.ID, Type: &typ, ActorID: "tester"})
	if kindOf(t, err) != validate.KindTypeChangeWithChildren {
		t.Fatalf("expected type_change_with_children, got %v", err)
	}
}

func TestAssigneeMustExist(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Assignable"})

	ghost := "nobody"
	_, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: epic.ID, AssigneeID: &ghost, AssigneeSet: true, ActorID: "tester"})
	if kindOf(t, err) != validate.KindAssigneeNotFound {
		t.Fatalf("expected assignee_not_found, got %v", err)
	}

	if _, err := env.Engine.AddMember(env.Ctx, "proj-1", "dev-1", "maintainer", "tester"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	dev := "dev-1"
	i, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: epic.ID, AssigneeID: &dev, AssigneeSet: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if i.AssigneeID == nil || *i.AssigneeID != "dev-1" {
		t.Fatalf("expected assignee dev-1, got %v", i.AssigneeID)
	}

	// clearing is always allowed
	i, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: epic.ID, AssigneeSet: true, ActorID: "tester"})
	if err != nil || i.AssigneeID != nil {
		t.Fatalf("clear assignee: %v", err)
	}
}

func TestBulkUpdateAtomic(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Bulk A"})
	b := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Bulk B"})

	urgent := domain.PriorityUrgent
	_, err := env.Engine.BulkUpdateIssues(env.Ctx, engine.BulkUpdateOptions{
		IDs:      []string{a.ID, "missing", b.ID},
		Priority: &urgent,
		ActorID:  "tester",
	})
	if err == nil {
		t.Fatalf("expected bulk failure on missing id")
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != domain.PriorityMedium {
		t.Fatalf("expected batch rolled back, priority is %s", got.Priority)
	}

	updated, err := env.Engine.BulkUpdateIssues(env.Ctx, engine.BulkUpdateOptions{
		IDs:      []string{a.ID, b.ID},
		Priority: &urgent,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 updated, got %d", len(updated))
	}
	for _, i := range updated {
		if i.Priority != domain.PriorityUrgent {
			t.Fatalf("expected urgent, got %s", i.Priority)
		}
	}
}

func TestLastAdminCannotLeave(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RemoveMember(env.Ctx, "proj-1", "tester", "tester"); err == nil {
		t.Fatalf("expected last admin guard")
	}
	if _, err := env.Engine.AddMember(env.Ctx, "proj-1", "second", "admin", "tester"); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	if err := env.Engine.RemoveMember(env.Ctx, "proj-1", "tester", "second"); err != nil {
		t.Fatalf("remove after second admin: %v", err)
	}
}

func TestIssueTreeOrphansSurface(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Tree root"})
	story := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeStory, Title: "Tree leaf", ParentID: epic.ID})

	roots, err := env.Engine.IssueTree(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(roots) != 1 || roots[0].Issue.ID != epic.ID {
		t.Fatalf("expected single root epic, got %d roots", len(roots))
	}
	if len(roots[0].Children) != 1 || roots[0].Children[0].Issue.ID != story.ID {
		t.Fatalf("expected story under epic")
	}
}

func TestEventAppendOnChanges(t *testing.T) {
	env := newTestEnv(t)
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Evented"})
	if _, err := setState(t, env, epic.ID, domain.StateInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := setState(t, env, epic.ID, domain.StateClosed); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, epic.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create plus two updates, got %d events", count)
	}
}

func TestProjectStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Open one"})
	epic := mustCreate(t, env, engine.IssueCreateOptions{Type: domain.TypeEpic, Title: "Closed one"})
	if _, err := setState(t, env, epic.ID, domain.StateClosed); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Engine.ProjectStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Open != 1 || counts.Closed != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
