package models

import "time"

const (
	RoleMarker = "marker"
	RoleLead   = "lead"
)

type Reviewer struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}
