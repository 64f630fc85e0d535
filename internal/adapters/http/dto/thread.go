package dto

import "github.com/openbrainhub/neuroagent/internal/domain/models"

type CreateThreadRequest struct {
	Title        string `json:"title,omitempty"`
	VirtualLabID string `json:"virtual_lab_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

type UpdateThreadRequest struct {
	Title string `json:"title"`
}

type GenerateTitleRequest struct {
	FirstUserMessage string `json:"first_user_message"`
}

// ThreadPage is one page of a cursor-paginated thread listing. NextCursor is
// the sort-column timestamp of the last row, echoed back as-is by the client.
type ThreadPage struct {
	Results    []*models.Thread `json:"results"`
	HasMore    bool             `json:"has_more"`
	NextCursor string           `json:"next_cursor,omitempty"`
}
