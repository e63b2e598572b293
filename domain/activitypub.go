package domain

import (
	"github.com/google/uuid"
	"time"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
	Stale          bool // refresh requested; entry stays usable until replaced
	Suspended      bool
}

// Follow represents a follow relationship
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // Can be local or remote account
	TargetAccountId uuid.UUID // Can be local or remote account
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like/favorite on an object
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ObjectURI string // Which object was liked
	URI       string // ActivityPub Like activity URI
	CreatedAt time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem represents an item in the delivery queue.
// (activity_uri, inbox_uri) is unique: at most one pending job per pair.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	ActivityURI  string
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// Relay subscription states. Terminal once settled; re-requesting after a
// rejection creates a new row.
const (
	RelayRequesting = "requesting"
	RelayAccepted   = "accepted"
	RelayRejected   = "rejected"
)

// RelaySubscription tracks the follow state with a relay server
type RelaySubscription struct {
	Id         uuid.UUID
	InboxURI   string
	ActorURI   string
	FollowURI  string // the Follow activity we sent to the relay
	Status     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Instance represents known reachability state for a remote server
type Instance struct {
	Domain                  string
	LatestRequestReceivedAt time.Time
	Suspended               bool
	UpdatedAt               time.Time
}

// InstanceUpdate is a pending, collapsible update for one instance.
// Merging takes the max timestamp and ORs the unsuspend flag, so the
// result is independent of arrival order.
type InstanceUpdate struct {
	LatestRequestReceivedAt time.Time
	ShouldUnsuspend         bool
}

// MergeInstanceUpdates combines two pending updates for the same instance
func MergeInstanceUpdates(a, b InstanceUpdate) InstanceUpdate {
	merged := a
	if b.LatestRequestReceivedAt.After(merged.LatestRequestReceivedAt) {
		merged.LatestRequestReceivedAt = b.LatestRequestReceivedAt
	}
	merged.ShouldUnsuspend = merged.ShouldUnsuspend || b.ShouldUnsuspend
	return merged
}
