package domain

import (
	"github.com/google/uuid"
	"time"
)

// Note is the local object payload handed to the outbox by the API layer
type Note struct {
	Id           uuid.UUID
	CreatedBy    string
	Message      string
	CreatedAt    time.Time
	Visibility   string // "public", "unlisted", "followers", "direct"
	InReplyToURI string
	ObjectURI    string
}
