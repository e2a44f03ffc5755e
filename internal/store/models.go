package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	ID         string
	Name       string
	UserID     string
	ImageURL   string
	InviteCode string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Member struct {
	ID          string
	UserID      string
	WorkspaceID string
	Role        string
	CreatedAt   time.Time
}

// MemberWithUser is a member row joined with its user for listings.
type MemberWithUser struct {
	Member
	Email       string
	DisplayName string
}

type Project struct {
	ID          string
	Name        string
	WorkspaceID string
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
