package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/repo"
	"trackline/internal/validate"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Log    *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// audit appends an event inside the transaction. Audit failures are logged
// and swallowed; they never roll back the write they describe.
func (e Engine) audit(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		e.logf("audit %s for %s %s failed: %v", evtType, entityKind, entityID, err)
	}
}

func (e Engine) validator() validate.Validator {
	return validate.Validator{
		Store:    e.Repo,
		Required: e.Config.RequiredFields(),
	}
}

// InitProject creates a project with its default config, seeds the RBAC
// scheme, and makes the creator an admin.
func (e Engine) InitProject(ctx context.Context, projectID, name, description, actorID string) (domain.Project, error) {
	if name == "" {
		name = projectID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,key,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Key), p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := config.Default(p.ID)
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("seed rbac: %w", err)
	}
	if actorID != "" {
		if err := e.Repo.UpsertMember(ctx, tx, domain.Member{ProjectID: p.ID, UserID: actorID, Role: "admin", AddedAt: now}); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "admin"); err != nil {
			return domain.Project{}, err
		}
	}
	e.audit(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status})
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ID          string
	ProjectID   string
	ParentID    string
	Type        domain.IssueType
	Title       string
	Description string
	Priority    domain.Priority
	StartDate   string
	DueDate     string
	ActorID     string
}

// CreateIssue inserts a new issue. New issues always start open and
// unassigned regardless of input.
func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.Issue{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Issue{}, err
	}
	if opts.Type == "" {
		opts.Type = domain.TypeTask
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.DefaultPriority()
	}
	if !opts.Priority.Valid() {
		return domain.Issue{}, validate.NewError(validate.KindInvalidPriority, "priority", "unknown priority %q", opts.Priority)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	i := domain.Issue{
		ID:          id,
		ProjectID:   opts.ProjectID,
		ParentID:    optionalString(opts.ParentID),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		State:       domain.StateOpen,
		Priority:    opts.Priority,
		ReporterID:  opts.ActorID,
		StartDate:   optionalString(opts.StartDate),
		DueDate:     optionalString(opts.DueDate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.validator().ValidateCreate(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Repo.InsertIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	e.audit(ctx, tx, "issue.created", i.ProjectID, "issue", i.ID, opts.ActorID, events.EventPayload{
		"type":  string(i.Type),
		"title": i.Title,
		"state": string(i.State),
	})
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// IssueUpdateOptions encapsulates allowed updates. Pointer fields left nil
// are untouched; Set flags distinguish clearing a nullable field from
// leaving it alone.
type IssueUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Type        *domain.IssueType
	ParentID    *string
	ParentSet   bool
	State       *domain.State
	Priority    *domain.Priority
	AssigneeID  *string
	AssigneeSet bool
	StartDate   *string
	StartSet    bool
	DueDate     *string
	DueSet      bool
	ActorID     string
}

// UpdateIssue applies a validated update in one transaction. The subject row
// is locked before any read so concurrent updates serialize; a validation
// failure leaves the row untouched.
func (e Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return domain.Issue{}, validate.NewError(validate.KindInvalidPriority, "priority", "unknown priority %q", *opts.Priority)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.LockIssueTx(ctx, tx, opts.ID); err != nil {
		return domain.Issue{}, err
	}
	current, err := e.Repo.GetIssueTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Issue{}, err
	}
	ch := validate.Changes{
		Type:        opts.Type,
		ParentID:    opts.ParentID,
		ParentSet:   opts.ParentSet,
		Title:       opts.Title,
		Description: opts.Description,
		State:       opts.State,
		Priority:    opts.Priority,
		AssigneeID:  opts.AssigneeID,
		AssigneeSet: opts.AssigneeSet,
		StartDate:   opts.StartDate,
		StartSet:    opts.StartSet,
		DueDate:     opts.DueDate,
		DueSet:      opts.DueSet,
	}
	if err := e.validator().ValidateUpdate(ctx, tx, current, ch); err != nil {
		return domain.Issue{}, err
	}

	updated := current
	if opts.Title != nil {
		updated.Title = *opts.Title
	}
	if opts.Description != nil {
		updated.Description = *opts.Description
	}
	if opts.Type != nil {
		updated.Type = *opts.Type
	}
	if opts.ParentSet {
		updated.ParentID = opts.ParentID
	}
	if opts.Priority != nil {
		updated.Priority = *opts.Priority
	}
	if opts.AssigneeSet {
		updated.AssigneeID = opts.AssigneeID
	}
	if opts.StartSet {
		updated.StartDate = opts.StartDate
	}
	if opts.DueSet {
		updated.DueDate = opts.DueDate
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.State != nil && *opts.State != current.State {
		updated.State = *opts.State
		if updated.State == domain.StateClosed {
			updated.ClosedAt = &now
		} else {
			updated.ClosedAt = nil
		}
	}
	updated.UpdatedAt = now

	changes := diffIssues(current, updated)
	if len(changes) == 0 {
		return current, nil
	}
	if err := e.Repo.UpdateIssue(ctx, tx, updated); err != nil {
		return domain.Issue{}, err
	}
	e.audit(ctx, tx, "issue.updated", updated.ProjectID, "issue", updated.ID, opts.ActorID, events.EventPayload{"changes": changes})
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return updated, nil
}

// ReopenIssue moves a closed issue to reopened. Any other current state is
// rejected before the update path runs.
func (e Engine) ReopenIssue(ctx context.Context, id, actorID string) (domain.Issue, error) {
	current, err := e.Repo.GetIssue(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if current.State != domain.StateClosed {
		return domain.Issue{}, validate.NewError(validate.KindReopenNotClosed, "state", "issue is %s; only closed issues can be reopened", current.State)
	}
	state := domain.StateReopened
	return e.UpdateIssue(ctx, IssueUpdateOptions{ID: id, State: &state, ActorID: actorID})
}

// BulkUpdateOptions carries a batch update. Only low-risk fields are
// representable; hierarchy and state cannot be touched in bulk.
type BulkUpdateOptions struct {
	IDs         []string
	Description *string
	Priority    *domain.Priority
	AssigneeID  *string
	AssigneeSet bool
	StartDate   *string
	StartSet    bool
	DueDate     *string
	DueSet      bool
	ActorID     string
}

// BulkUpdateIssues applies the same change to many issues in one
// transaction. Any failure aborts the whole batch.
func (e Engine) BulkUpdateIssues(ctx context.Context, opts BulkUpdateOptions) ([]domain.Issue, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if len(opts.IDs) == 0 {
		return nil, errors.New("at least one issue id required")
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return nil, validate.NewError(validate.KindInvalidPriority, "priority", "unknown priority %q", *opts.Priority)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	v := e.validator()
	now := e.now().UTC().Format(time.RFC3339)
	var updatedAll []domain.Issue
	for _, id := range opts.IDs {
		if err := e.Repo.LockIssueTx(ctx, tx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("issue %s: %w", id, err)
			}
			return nil, err
		}
		current, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		ch := validate.Changes{
			Description: opts.Description,
			Priority:    opts.Priority,
			AssigneeID:  opts.AssigneeID,
			AssigneeSet: opts.AssigneeSet,
			StartDate:   opts.StartDate,
			StartSet:    opts.StartSet,
			DueDate:     opts.DueDate,
			DueSet:      opts.DueSet,
		}
		if err := v.ValidateUpdate(ctx, tx, current, ch); err != nil {
			return nil, fmt.Errorf("issue %s: %w", id, err)
		}
		updated := current
		if opts.Description != nil {
			updated.Description = *opts.Description
		}
		if opts.Priority != nil {
			updated.Priority = *opts.Priority
		}
		if opts.AssigneeSet {
			updated.AssigneeID = opts.AssigneeID
		}
		if opts.StartSet {
			updated.StartDate = opts.StartDate
		}
		if opts.DueSet {
			updated.DueDate = opts.DueDate
		}
		updated.UpdatedAt = now
		changes := diffIssues(current, updated)
		if len(changes) == 0 {
			updatedAll = append(updatedAll, current)
			continue
		}
		if err := e.Repo.UpdateIssue(ctx, tx, updated); err != nil {
			return nil, err
		}
		e.audit(ctx, tx, "issue.updated", updated.ProjectID, "issue", updated.ID, opts.ActorID, events.EventPayload{"changes": changes, "bulk": true})
		updatedAll = append(updatedAll, updated)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updatedAll, nil
}

// ProjectStatus returns issue counts per state.
func (e Engine) ProjectStatus(ctx context.Context, projectID string) (domain.StatusCounts, error) {
	counts, err := e.Repo.CountIssuesByState(ctx, projectID)
	if err != nil {
		return domain.StatusCounts{}, err
	}
	return domain.StatusCounts{
		Open:       counts[domain.StateOpen],
		InProgress: counts[domain.StateInProgress],
		Closed:     counts[domain.StateClosed],
		Reopened:   counts[domain.StateReopened],
	}, nil
}

// IssueTree assembles the project's issues into parent/child trees. Roots
// come first in creation order; orphans whose parent is missing surface as
// roots rather than disappearing.
func (e Engine) IssueTree(ctx context.Context, projectID string) ([]*domain.IssueNode, error) {
	issues, err := e.Repo.ListProjectIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*domain.IssueNode, len(issues))
	for _, i := range issues {
		nodes[i.ID] = &domain.IssueNode{Issue: i}
	}
	var roots []*domain.IssueNode
	for _, i := range issues {
		n := nodes[i.ID]
		if i.ParentID != nil {
			if parent, ok := nodes[*i.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots, nil
}

// AddMember adds or re-roles a project member and grants the matching role.
func (e Engine) AddMember(ctx context.Context, projectID, userID, role, actorID string) (domain.Member, error) {
	if e.Config == nil {
		return domain.Member{}, errors.New("config not loaded")
	}
	if userID == "" {
		return domain.Member{}, errors.New("user_id required")
	}
	if role == "" {
		role = "reporter"
	}
	if len(e.Config.RBAC.Roles) > 0 {
		if _, ok := e.Config.RBAC.Roles[role]; !ok {
			return domain.Member{}, fmt.Errorf("role %s not defined for project", role)
		}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Member{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()

	m := domain.Member{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		AddedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, userID, role); err != nil {
		return domain.Member{}, err
	}
	e.audit(ctx, tx, "member.added", projectID, "member", userID, actorID, events.EventPayload{"role": role})
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

// RemoveMember removes a member. Removing the last admin is refused.
func (e Engine) RemoveMember(ctx context.Context, projectID, userID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMemberTx(ctx, tx, projectID, userID)
	if err != nil {
		return err
	}
	if m.Role == "admin" {
		n, err := e.Repo.CountMembersWithRoleTx(ctx, tx, projectID, "admin")
		if err != nil {
			return err
		}
		if n <= 1 {
			return errors.New("cannot remove the last admin")
		}
	}
	if err := e.Repo.DeleteMemberTx(ctx, tx, projectID, userID); err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, tx, projectID, userID, m.Role); err != nil {
		return err
	}
	e.audit(ctx, tx, "member.removed", projectID, "member", userID, actorID, events.EventPayload{"role": m.Role})
	return tx.Commit()
}

// GrantRole grants an RBAC role directly, outside membership changes.
func (e Engine) GrantRole(ctx context.Context, projectID, userID, roleID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, userID, roleID); err != nil {
		return err
	}
	e.audit(ctx, tx, "rbac.granted", projectID, "rbac", userID, actorID, events.EventPayload{"role": roleID})
	return tx.Commit()
}

// RevokeRole removes an RBAC role.
func (e Engine) RevokeRole(ctx context.Context, projectID, userID, roleID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, userID, roleID); err != nil {
		return err
	}
	e.audit(ctx, tx, "rbac.revoked", projectID, "rbac", userID, actorID, events.EventPayload{"role": roleID})
	return tx.Commit()
}

// Access is the resolved RBAC view of one user in one project.
type Access struct {
	UserID      string
	Roles       []string
	Permissions []string
}

// WhoAmI resolves the roles and permissions a user holds on a project.
func (e Engine) WhoAmI(ctx context.Context, projectID, userID string) (Access, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Access{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.UserRoles(ctx, tx, projectID, userID)
	if err != nil {
		return Access{}, err
	}
	perms, err := e.Auth.UserPermissions(ctx, tx, projectID, userID)
	if err != nil {
		return Access{}, err
	}
	return Access{UserID: userID, Roles: roles, Permissions: perms}, nil
}

// diffIssues returns the changed fields as {field: {from, to}}.
func diffIssues(old, new domain.Issue) map[string]any {
	changes := map[string]any{}
	add := func(field string, from, to any) {
		changes[field] = map[string]any{"from": from, "to": to}
	}
	if old.Title != new.Title {
		add("title", old.Title, new.Title)
	}
	if old.Description != new.Description {
		add("description", old.Description, new.Description)
	}
	if old.Type != new.Type {
		add("type", string(old.Type), string(new.Type))
	}
	if old.State != new.State {
		add("state", string(old.State), string(new.State))
	}
	if old.Priority != new.Priority {
		add("priority", string(old.Priority), string(new.Priority))
	}
	if !sameOptional(old.ParentID, new.ParentID) {
		add("parent_id", deref(old.ParentID), deref(new.ParentID))
	}
	if !sameOptional(old.AssigneeID, new.AssigneeID) {
		add("assignee_id", deref(old.AssigneeID), deref(new.AssigneeID))
	}
	if !sameOptional(old.StartDate, new.StartDate) {
		add("start_date", deref(old.StartDate), deref(new.StartDate))
	}
	if !sameOptional(old.DueDate, new.DueDate) {
		add("due_date", deref(old.DueDate), deref(new.DueDate))
	}
	return changes
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
