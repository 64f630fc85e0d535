package models

import (
	"time"
)

// DefaultThreadTitle is assigned to threads created without an explicit title.
const DefaultThreadTitle = "New chat"

// Thread is a persistent conversation container. The (UserID, VlabID,
// ProjectID) triple is authoritative for access control and is fixed at
// creation time.
type Thread struct {
	ID        string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	VlabID    string    `json:"virtual_lab_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"creation_date"`
	UpdatedAt time.Time `json:"update_date"`
}

func NewThread(id, userID, vlabID, projectID, title string) *Thread {
	if title == "" {
		title = DefaultThreadTitle
	}
	now := time.Now().UTC()
	return &Thread{
		ID:        id,
		UserID:    userID,
		VlabID:    vlabID,
		ProjectID: projectID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InProject reports whether the thread is bound to a virtual-lab project.
// Threads without a project are "personal" threads.
func (t *Thread) InProject() bool {
	return t.VlabID != "" && t.ProjectID != ""
}

// Touch bumps the update timestamp, used when a new message lands.
func (t *Thread) Touch() {
	t.UpdatedAt = time.Now().UTC()
}
