package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/google/uuid"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// DefaultActorTTL is how long a cached actor stays fresh without an
// explicit refresh signal
const DefaultActorTTL = 24 * time.Hour

// cacheEntry owns the per-entry freshness bookkeeping. Staleness lives
// here and not on the shared RemoteAccount pointer, which callers read
// without holding the cache lock.
type cacheEntry struct {
	actor    *domain.RemoteAccount
	cachedAt time.Time
	stale    bool
}

// ActorCache resolves remote actor URIs to cached representations.
// Memory first, durable store second, network last. Writes are
// last-writer-wins; actor documents are idempotent snapshots.
type ActorCache struct {
	mu       sync.RWMutex
	entries  map[string]cacheEntry
	ttl      time.Duration
	database *db.DB
	resolver *Resolver
}

func NewActorCache(database *db.DB, resolver *Resolver, ttl time.Duration) *ActorCache {
	if ttl == 0 {
		ttl = DefaultActorTTL
	}
	return &ActorCache{
		entries:  make(map[string]cacheEntry),
		ttl:      ttl,
		database: database,
		resolver: resolver,
	}
}

// GetActor returns the actor for a URI, fetching it remotely on a cache
// miss or when the cached copy has gone stale
func (c *ActorCache) GetActor(actorURI string) (*domain.RemoteAccount, error) {
	c.mu.RLock()
	entry, ok := c.entries[actorURI]
	fresh := ok && !entry.stale && time.Since(entry.cachedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return entry.actor, nil
	}

	// Durable store fallback before going to the network
	err, cached := c.database.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil && !cached.Stale && time.Since(cached.LastFetchedAt) < c.ttl {
		c.remember(cached)
		return cached, nil
	}

	return c.RefreshActor(actorURI)
}

// RefreshActor fetches the actor document from the remote server and
// upserts the snapshot. Used on cache staleness, on signature key
// mismatch, and by the administrative update-remote-user signal.
func (c *ActorCache) RefreshActor(actorURI string) (*domain.RemoteAccount, error) {
	object, err := c.resolver.Resolve(actorURI, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch actor %s: %w", actorURI, err)
	}

	actor, err := parseActorDocument(object)
	if err != nil {
		return nil, err
	}

	remoteAcc, err := c.upsert(actor)
	if err != nil {
		return nil, err
	}

	c.remember(remoteAcc)
	return remoteAcc, nil
}

// MarkStale flags an actor for refresh on next access without touching
// the cached data
func (c *ActorCache) MarkStale(actorURI string) {
	c.mu.Lock()
	if entry, ok := c.entries[actorURI]; ok {
		entry.stale = true
		c.entries[actorURI] = entry
	}
	c.mu.Unlock()

	if err := c.database.MarkRemoteAccountStale(actorURI); err != nil {
		log.Printf("ActorCache: Failed to mark %s stale: %v", actorURI, err)
	}
}

// Forget drops an actor from the memory cache (e.g., after a Delete
// activity removed the backing row)
func (c *ActorCache) Forget(actorURI string) {
	c.mu.Lock()
	delete(c.entries, actorURI)
	c.mu.Unlock()
}

func (c *ActorCache) remember(actor *domain.RemoteAccount) {
	c.mu.Lock()
	c.entries[actor.ActorURI] = cacheEntry{actor: actor, cachedAt: time.Now()}
	c.mu.Unlock()
}

// upsert stores the fresh snapshot, preserving the row id when the actor
// was already known
func (c *ActorCache) upsert(actor *ActorResponse) (*domain.RemoteAccount, error) {
	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	err, existing := c.database.ReadRemoteAccountByURI(actor.ID)
	if err == nil && existing != nil {
		remoteAcc.Id = existing.Id
		if err := c.database.UpdateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
		return remoteAcc, nil
	}

	if err := c.database.CreateRemoteAccount(remoteAcc); err != nil {
		if !db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("failed to store remote account: %w", err)
		}
		// A concurrent refresher won the insert, or the actor moved to a
		// new URI on the same handle. Adopt the stored row's id so follows
		// and likes keep pointing at an existing account.
		errRead, winner := c.database.ReadRemoteAccountByURI(actor.ID)
		if winner == nil {
			errRead, winner = c.database.ReadRemoteAccountByHandle(remoteAcc.Username, remoteAcc.Domain)
		}
		if errRead != nil || winner == nil {
			return nil, fmt.Errorf("%w: remote account %s", ErrConflict, actor.ID)
		}
		remoteAcc.Id = winner.Id
		if err := c.database.RebindRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to store remote account: %w", err)
		}
	}

	return remoteAcc, nil
}

// parseActorDocument validates the shape of a fetched actor object. An
// actor without a public key cannot sign anything we could verify.
func parseActorDocument(object map[string]interface{}) (*ActorResponse, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("%w: actor document not serializable", ErrUnresolvableURI)
	}

	var actor ActorResponse
	if err := json.Unmarshal(raw, &actor); err != nil {
		return nil, fmt.Errorf("%w: malformed actor document", ErrUnresolvableURI)
	}

	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("%w: actor document missing id or inbox", ErrUnresolvableURI)
	}
	if actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor document has no public key", ErrUnknownKey)
	}

	return &actor, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}

	return parsed.Host, nil
}
