package validate

import "fmt"

type Kind string

const (
	KindInvalidType            Kind = "invalid_type"
	KindInvalidPriority        Kind = "invalid_priority"
	KindProjectImmutable       Kind = "project_immutable"
	KindRootHasParent          Kind = "root_has_parent"
	KindParentRequired         Kind = "parent_required"
	KindParentNotFound         Kind = "parent_not_found"
	KindCrossProjectParent     Kind = "cross_project_parent"
	KindHierarchyMismatch      Kind = "hierarchy_mismatch"
	KindHierarchyCycle         Kind = "hierarchy_cycle"
	KindTypeChangeWithChildren Kind = "type_change_with_children"
	KindTypeChangeIncompatible Kind = "type_change_incompatible"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindOpenChildren           Kind = "open_children"
	KindReopenNotClosed        Kind = "reopen_not_closed"
	KindAssigneeNotFound       Kind = "assignee_not_found"
	KindRequiredField          Kind = "required_field"
	KindBulkFieldNotAllowed    Kind = "bulk_field_not_allowed"
)

// Error is a single rule violation. Field names the offending input field
// when one applies.
type Error struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}
