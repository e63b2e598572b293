package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/loxodon/domain"
	"github.com/google/uuid"
)

// setupTestDB opens a file-backed database in a temp dir with the full
// schema applied
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return database
}

func createTestAccount(t *testing.T, database *DB, username string) *domain.Account {
	t.Helper()

	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   "Test User",
		Summary:       "a test account",
		CreatedAt:     time.Now(),
		WebPublicKey:  "pubkey",
		WebPrivateKey: "privkey",
	}
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}
	return acc
}

func createTestRemoteAccount(t *testing.T, database *DB, actorURI string) *domain.RemoteAccount {
	t.Helper()

	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "remote",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	if err := database.CreateRemoteAccount(acc); err != nil {
		t.Fatalf("Failed to create remote account: %v", err)
	}
	return acc
}

func TestAccountRoundtrip(t *testing.T) {
	database := setupTestDB(t)

	acc := createTestAccount(t, database, "alice")

	err, got := database.ReadAccById(acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Expected username alice, got %s", got.Username)
	}

	err, got = database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if got.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, got.Id)
	}

	err, _ = database.ReadAccByUsername("nobody")
	if err == nil {
		t.Error("Expected error for unknown username")
	}
}

func TestRemoteAccountUpsertCycle(t *testing.T) {
	database := setupTestDB(t)

	actorURI := "https://remote.example/users/bob"
	acc := createTestRemoteAccount(t, database, actorURI)

	// Duplicate actor_uri must violate uniqueness
	dup := *acc
	dup.Id = uuid.New()
	err := database.CreateRemoteAccount(&dup)
	if !IsUniqueViolation(err) {
		t.Errorf("Expected unique violation, got %v", err)
	}

	acc.DisplayName = "Bob Updated"
	acc.SharedInboxURI = "https://remote.example/inbox"
	if err := database.UpdateRemoteAccount(acc); err != nil {
		t.Fatalf("UpdateRemoteAccount failed: %v", err)
	}

	err, got := database.ReadRemoteAccountByURI(actorURI)
	if err != nil {
		t.Fatalf("ReadRemoteAccountByURI failed: %v", err)
	}
	if got.DisplayName != "Bob Updated" {
		t.Errorf("Expected updated display name, got %s", got.DisplayName)
	}
	if got.SharedInboxURI != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", got.SharedInboxURI)
	}

	if err := database.MarkRemoteAccountStale(actorURI); err != nil {
		t.Fatalf("MarkRemoteAccountStale failed: %v", err)
	}
	err, got = database.ReadRemoteAccountByURI(actorURI)
	if err != nil || !got.Stale {
		t.Error("Expected account to be stale after marking")
	}

	if err := database.DeleteRemoteAccount(acc.Id); err != nil {
		t.Fatalf("DeleteRemoteAccount failed: %v", err)
	}
	err, _ = database.ReadRemoteAccountByURI(actorURI)
	if err == nil {
		t.Error("Expected error reading deleted remote account")
	}
}

func TestFollowLifecycle(t *testing.T) {
	database := setupTestDB(t)

	local := createTestAccount(t, database, "alice")
	remote := createTestRemoteAccount(t, database, "https://remote.example/users/bob")

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: local.Id,
		URI:             "https://remote.example/activities/follow-1",
		Accepted:        false,
		CreatedAt:       time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	// Pending follows are not followers yet
	err, followers := database.ReadFollowersByAccountId(local.Id)
	if err != nil {
		t.Fatalf("ReadFollowersByAccountId failed: %v", err)
	}
	if len(*followers) != 0 {
		t.Errorf("Expected 0 followers before accept, got %d", len(*followers))
	}

	if err := database.AcceptFollowByURI(follow.URI); err != nil {
		t.Fatalf("AcceptFollowByURI failed: %v", err)
	}

	err, followers = database.ReadFollowersByAccountId(local.Id)
	if err != nil {
		t.Fatalf("ReadFollowersByAccountId failed: %v", err)
	}
	if len(*followers) != 1 {
		t.Fatalf("Expected 1 follower after accept, got %d", len(*followers))
	}
	if (*followers)[0].AccountId != remote.Id {
		t.Error("Follower should be the remote account")
	}

	if err := database.DeleteFollowsByRemoteAccountId(remote.Id); err != nil {
		t.Fatalf("DeleteFollowsByRemoteAccountId failed: %v", err)
	}
	err, _ = database.ReadFollowByURI(follow.URI)
	if err == nil {
		t.Error("Expected follow to be gone after cascade delete")
	}
}

func TestActivityDeduplication(t *testing.T) {
	database := setupTestDB(t)

	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example/activities/1",
		ActivityType: "Create",
		ActorURI:     "https://remote.example/users/bob",
		ObjectURI:    "https://remote.example/notes/1",
		RawJSON:      "{}",
		CreatedAt:    time.Now(),
	}
	if err := database.CreateActivity(activity); err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}

	dup := *activity
	dup.Id = uuid.New()
	err := database.CreateActivity(&dup)
	if !IsUniqueViolation(err) {
		t.Errorf("Expected unique violation for duplicate activity URI, got %v", err)
	}

	activity.Processed = true
	if err := database.UpdateActivity(activity); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}

	err, got := database.ReadActivityByURI(activity.ActivityURI)
	if err != nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if !got.Processed {
		t.Error("Expected activity to be marked processed")
	}

	err, got = database.ReadActivityByObjectURI(activity.ObjectURI)
	if err != nil || got.ActivityURI != activity.ActivityURI {
		t.Error("Expected to find activity by object URI")
	}
}

func TestLikeUniquePerObject(t *testing.T) {
	database := setupTestDB(t)

	accountId := uuid.New()
	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: accountId,
		ObjectURI: "https://example.com/notes/1",
		URI:       "https://remote.example/activities/like-1",
		CreatedAt: time.Now(),
	}
	if err := database.CreateLike(like); err != nil {
		t.Fatalf("CreateLike failed: %v", err)
	}

	// Same account liking the same object again collapses to one row
	dup := *like
	dup.Id = uuid.New()
	dup.URI = "https://remote.example/activities/like-2"
	err := database.CreateLike(&dup)
	if !IsUniqueViolation(err) {
		t.Errorf("Expected unique violation for duplicate like, got %v", err)
	}

	if err := database.DeleteLikeByURI(like.URI); err != nil {
		t.Fatalf("DeleteLikeByURI failed: %v", err)
	}
	err, _ = database.ReadLikeByAccountAndObject(accountId, like.ObjectURI)
	if err == nil {
		t.Error("Expected like to be gone after delete")
	}
}

func TestDeliveryQueue(t *testing.T) {
	database := setupTestDB(t)

	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		ActivityURI:  "https://example.com/activities/1",
		InboxURI:     "https://remote.example/inbox",
		ActivityJSON: "{}",
		NextRetryAt:  time.Now().Add(-time.Minute),
		CreatedAt:    time.Now(),
	}
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	// A second job for the same (activity, inbox) pair is rejected
	dup := *item
	dup.Id = uuid.New()
	err := database.EnqueueDelivery(&dup)
	if !IsUniqueViolation(err) {
		t.Errorf("Expected unique violation for duplicate pair, got %v", err)
	}

	// The same activity to a different inbox is a separate job
	other := *item
	other.Id = uuid.New()
	other.InboxURI = "https://other.example/inbox"
	if err := database.EnqueueDelivery(&other); err != nil {
		t.Fatalf("EnqueueDelivery to second inbox failed: %v", err)
	}

	err, pending := database.ReadPendingDeliveries(50)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 2 {
		t.Fatalf("Expected 2 due deliveries, got %d", len(*pending))
	}

	// Pushing a job into the future removes it from the due set
	if err := database.UpdateDeliveryAttempt(item.Id, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, pending = database.ReadPendingDeliveries(50)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 1 {
		t.Fatalf("Expected 1 due delivery after backoff, got %d", len(*pending))
	}
	if (*pending)[0].InboxURI != other.InboxURI {
		t.Error("Wrong delivery left in due set")
	}

	if err := database.DeleteDelivery(other.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
	err, pending = database.ReadPendingDeliveries(50)
	if err != nil || len(*pending) != 0 {
		t.Error("Expected empty due set after delete")
	}
}

func TestRelaySubscriptionStateMachine(t *testing.T) {
	database := setupTestDB(t)

	sub := &domain.RelaySubscription{
		Id:        uuid.New(),
		InboxURI:  "https://relay.example/inbox",
		FollowURI: "https://example.com/activities/follow-relay",
		Status:    domain.RelayRequesting,
		CreatedAt: time.Now(),
	}
	if err := database.CreateRelaySubscription(sub); err != nil {
		t.Fatalf("CreateRelaySubscription failed: %v", err)
	}

	err, pending := database.ReadPendingRelayByFollowURI(sub.FollowURI)
	if err != nil || pending == nil {
		t.Fatalf("Expected pending subscription by follow URI, got err=%v", err)
	}

	if err := database.UpdateRelayStatus(sub.Id, domain.RelayAccepted, "https://relay.example/actor", time.Now()); err != nil {
		t.Fatalf("UpdateRelayStatus failed: %v", err)
	}

	// Settled subscriptions no longer match pending lookups
	err, pending = database.ReadPendingRelayByFollowURI(sub.FollowURI)
	if err == nil && pending != nil {
		t.Error("Accepted subscription should not match pending lookup")
	}
	err, remaining := database.ReadPendingRelaySubscriptions()
	if err != nil || len(*remaining) != 0 {
		t.Error("Settled subscription should not appear in the pending list")
	}

	// A second settle attempt must not change the terminal state
	if err := database.UpdateRelayStatus(sub.Id, domain.RelayRejected, "https://evil.example/actor", time.Now()); err != nil {
		t.Fatalf("UpdateRelayStatus on settled row failed: %v", err)
	}
	err, got := database.ReadRelaySubscriptionById(sub.Id)
	if err != nil {
		t.Fatalf("ReadRelaySubscriptionById failed: %v", err)
	}
	if got.Status != domain.RelayAccepted {
		t.Errorf("Terminal state changed: expected accepted, got %s", got.Status)
	}
	if got.ActorURI != "https://relay.example/actor" {
		t.Errorf("Expected answering actor to be recorded, got %q", got.ActorURI)
	}

	if err := database.DeleteRelaySubscription(sub.Id); err != nil {
		t.Fatalf("DeleteRelaySubscription failed: %v", err)
	}
	err, subs := database.ReadRelaySubscriptions()
	if err != nil || len(*subs) != 0 {
		t.Error("Expected no subscriptions after delete")
	}
}

func TestInstanceUpdateMerging(t *testing.T) {
	database := setupTestDB(t)

	earlier := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	later := time.Now().UTC().Truncate(time.Second)

	err := database.ApplyInstanceUpdate("remote.example", domain.InstanceUpdate{
		LatestRequestReceivedAt: later,
	})
	if err != nil {
		t.Fatalf("ApplyInstanceUpdate failed: %v", err)
	}

	// An older timestamp must not regress the stored one
	err = database.ApplyInstanceUpdate("remote.example", domain.InstanceUpdate{
		LatestRequestReceivedAt: earlier,
	})
	if err != nil {
		t.Fatalf("ApplyInstanceUpdate failed: %v", err)
	}

	err, inst := database.ReadInstance("remote.example")
	if err != nil {
		t.Fatalf("ReadInstance failed: %v", err)
	}
	if inst.LatestRequestReceivedAt.Before(later) {
		t.Errorf("Timestamp regressed: got %v, want >= %v", inst.LatestRequestReceivedAt, later)
	}
}

func TestInstanceSuspendAndUnsuspend(t *testing.T) {
	database := setupTestDB(t)

	if err := database.SuspendInstance("down.example"); err != nil {
		t.Fatalf("SuspendInstance failed: %v", err)
	}

	err, inst := database.ReadInstance("down.example")
	if err != nil {
		t.Fatalf("ReadInstance failed: %v", err)
	}
	if !inst.Suspended {
		t.Error("Expected instance to be suspended")
	}

	// An update without the unsuspend flag keeps the instance suspended
	err = database.ApplyInstanceUpdate("down.example", domain.InstanceUpdate{
		LatestRequestReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyInstanceUpdate failed: %v", err)
	}
	err, inst = database.ReadInstance("down.example")
	if err != nil || !inst.Suspended {
		t.Error("Instance should stay suspended without the unsuspend signal")
	}

	// An applied inbound activity proves liveness and unsuspends
	err = database.ApplyInstanceUpdate("down.example", domain.InstanceUpdate{
		LatestRequestReceivedAt: time.Now(),
		ShouldUnsuspend:         true,
	})
	if err != nil {
		t.Fatalf("ApplyInstanceUpdate failed: %v", err)
	}
	err, inst = database.ReadInstance("down.example")
	if err != nil {
		t.Fatalf("ReadInstance failed: %v", err)
	}
	if inst.Suspended {
		t.Error("Expected instance to be unsuspended after liveness signal")
	}
}
