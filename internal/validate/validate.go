package validate

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/repo"
)

// Store is the read surface the validator needs. All reads happen inside the
// caller's transaction so checks and the subsequent write see one snapshot.
type Store interface {
	GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error)
	ListChildIssuesTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Issue, error)
	UserExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error)
}

type Validator struct {
	Store Store
	// Required maps an issue type to the fields a project demands for it.
	// Recognized names: title, description, start_date, due_date.
	Required map[domain.IssueType][]string
}

// Changes carries an update request. Pointer fields left nil are untouched;
// nullable fields use the Set flag to distinguish "clear" from "unchanged".
type Changes struct {
	ProjectID   *string
	Type        *domain.IssueType
	ParentID    *string
	ParentSet   bool
	Title       *string
	Description *string
	State       *domain.State
	Priority    *domain.Priority
	AssigneeID  *string
	AssigneeSet bool
	StartDate   *string
	StartSet    bool
	DueDate     *string
	DueSet      bool
}

// ValidateCreate checks a draft issue before insertion. New issues have no
// children and cannot be their own ancestor, so no cycle walk is needed.
func (v Validator) ValidateCreate(ctx context.Context, tx *sql.Tx, draft domain.Issue) error {
	if !draft.Type.Valid() {
		return NewError(KindInvalidType, "type", "unknown issue type %q", draft.Type)
	}
	if err := v.checkHierarchy(ctx, tx, draft.ProjectID, draft.Type, draft.ParentID, ""); err != nil {
		return err
	}
	return v.checkRequired(draft)
}

// ValidateUpdate checks an update against the current row. Checks run in a
// fixed order and stop at the first violation.
func (v Validator) ValidateUpdate(ctx context.Context, tx *sql.Tx, current domain.Issue, ch Changes) error {
	if ch.ProjectID != nil && *ch.ProjectID != current.ProjectID {
		return NewError(KindProjectImmutable, "project_id", "issues cannot move between projects")
	}

	effType := current.Type
	if ch.Type != nil {
		if !ch.Type.Valid() {
			return NewError(KindInvalidType, "type", "unknown issue type %q", *ch.Type)
		}
		effType = *ch.Type
	}

	parentChanging := ch.ParentSet && !sameOptional(current.ParentID, ch.ParentID)
	if parentChanging {
		if err := v.checkHierarchy(ctx, tx, current.ProjectID, effType, ch.ParentID, current.ID); err != nil {
			return err
		}
	}

	if ch.Type != nil && *ch.Type != current.Type {
		children, err := v.Store.ListChildIssuesTx(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return NewError(KindTypeChangeWithChildren, "type", "issue has %d children; retype them first", len(children))
		}
		if !parentChanging {
			if err := v.checkHierarchy(ctx, tx, current.ProjectID, effType, current.ParentID, current.ID); err != nil {
				var ve *Error
				if errors.As(err, &ve) {
					return NewError(KindTypeChangeIncompatible, "type", "type %s does not fit the current parent: %s", effType, ve.Message)
				}
				return err
			}
		}
	}

	if ch.State != nil && *ch.State != current.State {
		next := *ch.State
		if !next.Valid() {
			return NewError(KindInvalidStateTransition, "state", "unknown state %q", next)
		}
		if !current.State.CanTransition(next) {
			return NewError(KindInvalidStateTransition, "state", "cannot move from %s to %s", current.State, next)
		}
		if next == domain.StateClosed {
			children, err := v.Store.ListChildIssuesTx(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			for _, c := range children {
				if c.State != domain.StateClosed {
					return NewError(KindOpenChildren, "state", "child %s is %s; close all children first", c.ID, c.State)
				}
			}
		}
	}

	if ch.AssigneeSet && ch.AssigneeID != nil {
		ok, err := v.Store.UserExistsTx(ctx, tx, *ch.AssigneeID)
		if err != nil {
			return err
		}
		if !ok {
			return NewError(KindAssigneeNotFound, "assignee_id", "user %s does not exist", *ch.AssigneeID)
		}
	}

	return v.checkRequired(applyChanges(current, ch))
}

// checkHierarchy enforces the parent rules for an issue of the given type.
// excludeID is the issue being re-parented; empty on create. When set, the
// parent chain is walked upward to reject cycles.
func (v Validator) checkHierarchy(ctx context.Context, tx *sql.Tx, projectID string, typ domain.IssueType, parentID *string, excludeID string) error {
	if typ.Root() {
		if parentID != nil {
			return NewError(KindRootHasParent, "parent_id", "%s issues cannot have a parent", typ)
		}
		return nil
	}
	want, _ := typ.RequiredParent()
	if parentID == nil {
		return NewError(KindParentRequired, "parent_id", "%s issues require a %s parent", typ, want)
	}
	if excludeID != "" && *parentID == excludeID {
		return NewError(KindHierarchyCycle, "parent_id", "issue cannot be its own parent")
	}
	parent, err := v.Store.GetIssueTx(ctx, tx, *parentID)
	if errors.Is(err, repo.ErrNotFound) {
		return NewError(KindParentNotFound, "parent_id", "parent %s does not exist", *parentID)
	}
	if err != nil {
		return err
	}
	if parent.ProjectID != projectID {
		return NewError(KindCrossProjectParent, "parent_id", "parent %s belongs to another project", parent.ID)
	}
	if parent.Type != want {
		return NewError(KindHierarchyMismatch, "parent_id", "%s issues require a %s parent, got %s", typ, want, parent.Type)
	}
	if excludeID != "" {
		return v.ensureNoCycle(ctx, tx, parent, excludeID)
	}
	return nil
}

// ensureNoCycle climbs parent links from the candidate parent. Revisiting any
// node means the chain loops, so the walk terminates even on chains corrupted
// before this check ran.
func (v Validator) ensureNoCycle(ctx context.Context, tx *sql.Tx, parent domain.Issue, subjectID string) error {
	visited := map[string]struct{}{subjectID: {}, parent.ID: {}}
	cur := parent
	for cur.ParentID != nil {
		next := *cur.ParentID
		if next == subjectID {
			return NewError(KindHierarchyCycle, "parent_id", "parent chain loops back through %s", cur.ID)
		}
		if _, seen := visited[next]; seen {
			return NewError(KindHierarchyCycle, "parent_id", "parent chain of %s loops at %s", parent.ID, next)
		}
		visited[next] = struct{}{}
		up, err := v.Store.GetIssueTx(ctx, tx, next)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur = up
	}
	return nil
}

func (v Validator) checkRequired(issue domain.Issue) error {
	if strings.TrimSpace(issue.Title) == "" {
		return NewError(KindRequiredField, "title", "title must not be empty")
	}
	for _, field := range v.Required[issue.Type] {
		switch field {
		case "title":
			// always enforced above
		case "description":
			if strings.TrimSpace(issue.Description) == "" {
				return NewError(KindRequiredField, "description", "%s issues require a description", issue.Type)
			}
		case "start_date":
			if issue.StartDate == nil {
				return NewError(KindRequiredField, "start_date", "%s issues require a start date", issue.Type)
			}
		case "due_date":
			if issue.DueDate == nil {
				return NewError(KindRequiredField, "due_date", "%s issues require a due date", issue.Type)
			}
		}
	}
	return nil
}

// applyChanges returns the issue as it would look after the update, for the
// required-field pass.
func applyChanges(cur domain.Issue, ch Changes) domain.Issue {
	out := cur
	if ch.Type != nil {
		out.Type = *ch.Type
	}
	if ch.ParentSet {
		out.ParentID = ch.ParentID
	}
	if ch.Title != nil {
		out.Title = *ch.Title
	}
	if ch.Description != nil {
		out.Description = *ch.Description
	}
	if ch.State != nil {
		out.State = *ch.State
	}
	if ch.Priority != nil {
		out.Priority = *ch.Priority
	}
	if ch.AssigneeSet {
		out.AssigneeID = ch.AssigneeID
	}
	if ch.StartSet {
		out.StartDate = ch.StartDate
	}
	if ch.DueSet {
		out.DueDate = ch.DueDate
	}
	return out
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
