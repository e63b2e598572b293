package activitypub

import (
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/loxodon/domain"
)

func newTestRelayRegistry(t *testing.T) (*RelayRegistry, *domain.Account) {
	t.Helper()

	database := setupTestDB(t)
	conf := testConf()
	outbox := NewOutbox(database, conf)
	registry := NewRelayRegistry(database, outbox, conf)

	account := createLocalAccount(t, database, "admin")
	return registry, account
}

func TestAddRelayRejectsNonHTTPS(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	for _, inbox := range []string{
		"http://relay.example/inbox",
		"ftp://relay.example/inbox",
		"not a url",
		"",
	} {
		if _, err := registry.AddRelay(account, inbox); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("AddRelay(%q): expected ErrInvalidURL, got %v", inbox, err)
		}
	}
}

func TestAddRelayQueuesFollow(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}
	if sub.Status != domain.RelayRequesting {
		t.Errorf("Expected requesting status, got %s", sub.Status)
	}
	if sub.FollowURI == "" {
		t.Error("Expected a follow URI to be generated")
	}

	// The subscription Follow goes out through the delivery queue
	err, due := registry.database.ReadPendingDeliveries(10)
	if err != nil || len(*due) != 1 {
		t.Fatalf("Expected 1 queued delivery, got err=%v n=%d", err, len(*due))
	}
	if (*due)[0].InboxURI != "https://relay.example/inbox" {
		t.Errorf("Follow queued for wrong inbox: %s", (*due)[0].InboxURI)
	}
}

func TestHandleAcceptSettlesSubscription(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	matched, err := registry.HandleAccept(sub.FollowURI, "https://relay.example/actor")
	if err != nil {
		t.Fatalf("HandleAccept failed: %v", err)
	}
	if !matched {
		t.Fatal("Expected the Accept to match the pending subscription")
	}

	err, settled := registry.database.ReadRelaySubscriptionById(sub.Id)
	if err != nil {
		t.Fatalf("ReadRelaySubscriptionById failed: %v", err)
	}
	if settled.Status != domain.RelayAccepted {
		t.Errorf("Expected accepted, got %s", settled.Status)
	}

	if settled.ActorURI != "https://relay.example/actor" {
		t.Errorf("Expected answering actor to be recorded, got %q", settled.ActorURI)
	}

	// The state is terminal: a second response no longer matches
	matched, err = registry.HandleAccept(sub.FollowURI, "https://relay.example/actor")
	if err != nil || matched {
		t.Errorf("Settled subscription should not match again, matched=%v err=%v", matched, err)
	}
}

func TestHandleAcceptMatchesByActorHost(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	// Some relays rewrite the object id in their Accept; the answering
	// actor's host still identifies the subscription
	matched, err := registry.HandleAccept("https://relay.example/activities/rewritten", "https://relay.example/actor")
	if err != nil {
		t.Fatalf("HandleAccept failed: %v", err)
	}
	if !matched {
		t.Fatal("Expected the Accept to match by actor host")
	}

	err, settled := registry.database.ReadRelaySubscriptionById(sub.Id)
	if err != nil || settled.Status != domain.RelayAccepted {
		t.Errorf("Expected accepted, got %s (err=%v)", settled.Status, err)
	}
}

func TestHandleAcceptWrongHostDoesNotMatch(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	if _, err := registry.AddRelay(account, "https://relay.example/inbox"); err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	// A spoofed Accept from another host must not settle the subscription
	matched, err := registry.HandleAccept("https://evil.example/activities/fake", "https://evil.example/actor")
	if err != nil {
		t.Fatalf("HandleAccept failed: %v", err)
	}
	if matched {
		t.Error("Accept from an unrelated host should not match")
	}

	subs, err := registry.ListRelays()
	if err != nil || len(subs) != 1 {
		t.Fatalf("ListRelays failed: %v", err)
	}
	if subs[0].Status != domain.RelayRequesting {
		t.Errorf("Subscription should still be requesting, got %s", subs[0].Status)
	}
}

func TestHandleRejectSettlesSubscription(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	matched, err := registry.HandleReject(sub.FollowURI, "https://relay.example/actor")
	if err != nil || !matched {
		t.Fatalf("Expected reject to match, matched=%v err=%v", matched, err)
	}

	err, settled := registry.database.ReadRelaySubscriptionById(sub.Id)
	if err != nil || settled.Status != domain.RelayRejected {
		t.Errorf("Expected rejected status, got %s (err=%v)", settled.Status, err)
	}
}

func TestHandleAcceptUnknownIsNoOp(t *testing.T) {
	registry, _ := newTestRelayRegistry(t)

	// A spoofed or stale Accept must neither error nor create state
	matched, err := registry.HandleAccept("https://example.com/activities/unknown", "https://evil.example/actor")
	if err != nil {
		t.Fatalf("HandleAccept errored on unknown object: %v", err)
	}
	if matched {
		t.Error("Unknown Accept should not match anything")
	}
}

func TestListAndRemoveRelays(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	subs, err := registry.ListRelays()
	if err != nil {
		t.Fatalf("ListRelays failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}

	if err := registry.RemoveRelay(sub.Id); err != nil {
		t.Fatalf("RemoveRelay failed: %v", err)
	}
	subs, err = registry.ListRelays()
	if err != nil || len(subs) != 0 {
		t.Errorf("Expected empty list after removal, got %d", len(subs))
	}
}

func TestRelayStatusTimestamps(t *testing.T) {
	registry, account := newTestRelayRegistry(t)

	before := time.Now().Add(-time.Second)
	sub, err := registry.AddRelay(account, "https://relay.example/inbox")
	if err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}
	if sub.CreatedAt.Before(before) {
		t.Error("CreatedAt should be set on creation")
	}
	if sub.ResolvedAt != nil {
		t.Error("ResolvedAt should be empty while requesting")
	}
}
