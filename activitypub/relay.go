package activitypub

import (
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/util"
	"github.com/google/uuid"
)

// RelayRegistry tracks subscription state with relay servers. A
// subscription is requesting until the relay answers; settled states are
// terminal and re-requesting after a rejection creates a new entry.
type RelayRegistry struct {
	database *db.DB
	outbox   *Outbox
	conf     *util.AppConfig
}

func NewRelayRegistry(database *db.DB, outbox *Outbox, conf *util.AppConfig) *RelayRegistry {
	return &RelayRegistry{database: database, outbox: outbox, conf: conf}
}

// AddRelay subscribes to a relay by its inbox URL. Only https inboxes
// are accepted.
func (r *RelayRegistry) AddRelay(localAccount *domain.Account, inboxURL string) (*domain.RelaySubscription, error) {
	parsed, err := url.Parse(inboxURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, inboxURL)
	}
	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: relay inbox must be https, got %s", ErrInvalidURL, parsed.Scheme)
	}

	followID := fmt.Sprintf("https://%s/activities/%s", r.conf.Conf.SslDomain, uuid.New().String())
	actorURI := fmt.Sprintf("https://%s/users/%s", r.conf.Conf.SslDomain, localAccount.Username)

	sub := &domain.RelaySubscription{
		Id:        uuid.New(),
		InboxURI:  inboxURL,
		FollowURI: followID,
		Status:    domain.RelayRequesting,
		CreatedAt: time.Now(),
	}

	if err := r.database.CreateRelaySubscription(sub); err != nil {
		return nil, fmt.Errorf("failed to store relay subscription: %w", err)
	}

	// Relay subscriptions follow the public collection
	follow := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       followID,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   PublicAudience,
	}

	relayTarget := &domain.RemoteAccount{InboxURI: inboxURL, Domain: parsed.Host}
	if err := r.outbox.Deliver(follow, []*domain.RemoteAccount{relayTarget}); err != nil {
		log.Printf("Relay: Failed to queue subscription follow to %s: %v", inboxURL, err)
	}

	log.Printf("Relay: Requested subscription to %s", inboxURL)
	return sub, nil
}

// HandleAccept transitions a requesting subscription to accepted when
// the Accept matches one. Returns false when no subscription matched so
// the caller can treat the activity as a plain follow response.
func (r *RelayRegistry) HandleAccept(objectURI, actorURI string) (bool, error) {
	sub := r.findPending(objectURI, actorURI)
	if sub == nil {
		return false, nil
	}

	if err := r.database.UpdateRelayStatus(sub.Id, domain.RelayAccepted, actorURI, time.Now()); err != nil {
		return true, fmt.Errorf("failed to accept relay subscription: %w", err)
	}

	log.Printf("Relay: Subscription to %s accepted by %s", sub.InboxURI, actorURI)
	return true, nil
}

// HandleReject transitions a requesting subscription to rejected.
// Unmatched rejects are ignored; spoofed responses must not error.
func (r *RelayRegistry) HandleReject(objectURI, actorURI string) (bool, error) {
	sub := r.findPending(objectURI, actorURI)
	if sub == nil {
		return false, nil
	}

	if err := r.database.UpdateRelayStatus(sub.Id, domain.RelayRejected, actorURI, time.Now()); err != nil {
		return true, fmt.Errorf("failed to reject relay subscription: %w", err)
	}

	log.Printf("Relay: Subscription to %s rejected by %s", sub.InboxURI, actorURI)
	return true, nil
}

// findPending matches a requesting subscription by the Follow activity we
// sent. Some relays answer with a rewritten object id, so when that
// fails, fall back to the answering actor's host against the inbox we
// subscribed to.
func (r *RelayRegistry) findPending(objectURI, actorURI string) *domain.RelaySubscription {
	if objectURI != "" {
		if err, sub := r.database.ReadPendingRelayByFollowURI(objectURI); err == nil && sub != nil {
			return sub
		}
	}

	host := hostOf(actorURI)
	if host == "" {
		return nil
	}
	err, pending := r.database.ReadPendingRelaySubscriptions()
	if err != nil || pending == nil {
		return nil
	}
	for i := range *pending {
		if hostOf((*pending)[i].InboxURI) == host {
			return &(*pending)[i]
		}
	}
	return nil
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// ListRelays returns all subscriptions, settled and pending
func (r *RelayRegistry) ListRelays() ([]domain.RelaySubscription, error) {
	err, subs := r.database.ReadRelaySubscriptions()
	if err != nil {
		return nil, err
	}
	if subs == nil {
		return nil, nil
	}
	return *subs, nil
}

// RemoveRelay deletes a subscription by admin action
func (r *RelayRegistry) RemoveRelay(id uuid.UUID) error {
	return r.database.DeleteRelaySubscription(id)
}
