package server

import (
	"encoding/json"

	"trackline/internal/config"
	"trackline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateIssueRequest struct {
	ID          *string `json:"id,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Type        string  `json:"type,omitempty" enum:"epic,story,task,bug,subtask"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	StartDate   *string `json:"start_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
}

type UpdateIssueRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty" enum:"epic,story,task,bug,subtask"`
	ParentID    *string `json:"parent_id,omitempty"`
	State       *string `json:"state,omitempty" enum:"open,in_progress,closed,reopened"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	StartDate   *string `json:"start_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
}

type BulkUpdateIssuesRequest struct {
	// Extra properties pass schema validation so the handler can reject
	// restricted fields (state, type, parent_id, title) with a typed error.
	_ struct{} `json:"-" additionalProperties:"true"`

	IDs         []string `json:"ids"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	StartDate   *string  `json:"start_date,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

type RoleChangeRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

type DevLoginRequest struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Key         string `json:"key,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type IssueResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ParentID    *string `json:"parent_id,omitempty"`
	Type        string  `json:"type" enum:"epic,story,task,bug,subtask"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	State       string  `json:"state" enum:"open,in_progress,closed,reopened"`
	Priority    string  `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	ReporterID  string  `json:"reporter_id"`
	StartDate   *string `json:"start_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type MemberResponse struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	AddedAt   string `json:"added_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type IssueTreeNode struct {
	Issue    IssueResponse   `json:"issue"`
	Children []IssueTreeNode `json:"children"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ProjectConfigResponse struct {
	Project projectConfigSection `json:"project"`
	Issues  issueConfigSection   `json:"issues"`
	RBAC    rbacConfigSection    `json:"rbac"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Key  string `json:"key,omitempty"`
}

type issueConfigSection struct {
	DefaultPriority string              `json:"default_priority" enum:"low,medium,high,urgent"`
	RequiredFields  map[string][]string `json:"required_fields"`
}

type rbacConfigSection struct {
	Roles map[string]rbacRoleResponse `json:"roles"`
}

type rbacRoleResponse struct {
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type paginatedIssues struct {
	Items      []IssueResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Key:         p.Key,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:          i.ID,
		ProjectID:   i.ProjectID,
		ParentID:    i.ParentID,
		Type:        string(i.Type),
		Title:       i.Title,
		Description: i.Description,
		State:       string(i.State),
		Priority:    string(i.Priority),
		AssigneeID:  i.AssigneeID,
		ReporterID:  i.ReporterID,
		StartDate:   i.StartDate,
		DueDate:     i.DueDate,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
		ClosedAt:    i.ClosedAt,
	}
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse(m)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func treeResponse(nodes []*domain.IssueNode) []IssueTreeNode {
	res := make([]IssueTreeNode, 0, len(nodes))
	for _, n := range nodes {
		res = append(res, IssueTreeNode{
			Issue:    issueResponse(n.Issue),
			Children: treeResponse(n.Children),
		})
	}
	return res
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Name: cfg.Project.Name,
			Key:  cfg.Project.Key,
		},
		Issues: issueConfigSection{
			DefaultPriority: string(cfg.DefaultPriority()),
			RequiredFields:  map[string][]string{},
		},
		RBAC: rbacConfigSection{
			Roles: map[string]rbacRoleResponse{},
		},
	}
	for typ, fields := range cfg.Issues.RequiredFields {
		res.Issues.RequiredFields[typ] = nonNilSlice(fields)
	}
	for roleID, role := range cfg.RBAC.Roles {
		res.RBAC.Roles[roleID] = rbacRoleResponse{
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
