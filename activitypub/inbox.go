package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/queue"
	"github.com/deemkeen/loxodon/util"
	"github.com/google/uuid"
)

// Activity represents a generic ActivityPub activity envelope
type Activity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  interface{} `json:"object"`
}

// ProcessingState tracks an inbound activity through the inbox
type ProcessingState int

const (
	StateReceived ProcessingState = iota
	StateValidated
	StateDispatched
	StateApplied
	StateRejected
	StateDeferred
)

func (s ProcessingState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateDispatched:
		return "dispatched"
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	case StateDeferred:
		return "deferred"
	}
	return "unknown"
}

// Result is the terminal outcome of processing one inbound activity.
// Err is nil for silently ignored input (unknown types, duplicates).
// StateDeferred means the deferral budget ran out without the missing
// dependency resolving; Err then wraps ErrMissingDependency.
type Result struct {
	State ProcessingState
	Err   error
}

type handlerFunc func(p *Processor, env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error

// Processor dispatches inbound activities to type handlers. The variant
// set is closed: anything outside the map is logged and dropped.
type Processor struct {
	database  *db.DB
	actors    *ActorCache
	resolver  *Resolver
	outbox    *Outbox
	relays    *RelayRegistry
	instances *queue.CollapsingQueue[string, domain.InstanceUpdate]
	conf      *util.AppConfig
	handlers  map[string]handlerFunc
}

func NewProcessor(database *db.DB, actors *ActorCache, resolver *Resolver, outbox *Outbox, relays *RelayRegistry, instances *queue.CollapsingQueue[string, domain.InstanceUpdate], conf *util.AppConfig) *Processor {
	p := &Processor{
		database:  database,
		actors:    actors,
		resolver:  resolver,
		outbox:    outbox,
		relays:    relays,
		instances: instances,
		conf:      conf,
	}

	p.handlers = map[string]handlerFunc{
		"Follow":   (*Processor).handleFollow,
		"Undo":     (*Processor).handleUndo,
		"Accept":   (*Processor).handleAccept,
		"Reject":   (*Processor).handleReject,
		"Create":   (*Processor).handleCreate,
		"Announce": (*Processor).handleAnnounce,
		"Like":     (*Processor).handleLike,
		"Delete":   (*Processor).handleDelete,
		"Update":   (*Processor).handleUpdate,
		"Move":     (*Processor).handleMove,
		"Block":    (*Processor).handleBlock,
		"Flag":     (*Processor).handleFlag,
	}

	return p
}

// Process runs one inbound activity through the state machine:
// Received -> Validated -> Dispatched -> Applied | Rejected | Deferred.
// Re-delivery of an already processed activity id is a no-op Applied.
func (p *Processor) Process(r *http.Request, body []byte, username string) Result {
	if !IsActivityPubContentType(r.Header.Get("Content-Type")) {
		return Result{StateRejected, fmt.Errorf("%w: %q", ErrInvalidContentType, r.Header.Get("Content-Type"))}
	}

	var env Activity
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{StateRejected, fmt.Errorf("%w: malformed activity", ErrUnresolvableURI)}
	}

	log.Printf("Inbox: Received %s from %s", env.Type, env.Actor)

	// Idempotency: a duplicate activity id produces the same end state
	// as the first delivery
	if err, existing := p.database.ReadActivityByURI(env.ID); err == nil && existing != nil && existing.Processed {
		log.Printf("Inbox: Activity %s already processed, skipping", env.ID)
		return Result{StateApplied, nil}
	}

	// Resolve and authenticate the sending actor
	remoteActor, result := p.validate(r, body, &env)
	if result != nil {
		return *result
	}

	activityRecord := p.record(&env, body)

	handler, ok := p.handlers[env.Type]
	if !ok {
		// Unknown types are dropped silently; this is not an error
		log.Printf("Inbox: Unsupported activity type: %s", env.Type)
		return Result{StateRejected, nil}
	}

	err := handler(p, &env, body, username, remoteActor)
	if errors.Is(err, ErrMissingDependency) {
		// Bounded deferral: retry after the handler had a chance to
		// resolve its dependency, then give up for good
		for attempt := 0; attempt < p.conf.Conf.DeferredRetries && err != nil; attempt++ {
			log.Printf("Inbox: Deferring %s (attempt %d): %v", env.ID, attempt+1, err)
			err = handler(p, &env, body, username, remoteActor)
		}
		if errors.Is(err, ErrMissingDependency) {
			return Result{StateDeferred, err}
		}
	}
	if err != nil {
		return Result{StateRejected, fmt.Errorf("failed to handle %s: %w", env.Type, err)}
	}

	if activityRecord != nil {
		activityRecord.Processed = true
		p.database.UpdateActivity(activityRecord)
	}

	// A successfully applied activity proves the sending instance is
	// alive; collapse that signal per instance
	p.instances.Enqueue(remoteActor.Domain, domain.InstanceUpdate{
		LatestRequestReceivedAt: time.Now(),
		ShouldUnsuspend:         true,
	})

	return Result{StateApplied, nil}
}

// validate covers the Received -> Validated transition: actor resolution,
// digest check, signature check with a single key-rotation refresh.
func (p *Processor) validate(r *http.Request, body []byte, env *Activity) (*domain.RemoteAccount, *Result) {
	remoteActor, err := p.actors.GetActor(env.Actor)
	if err != nil {
		log.Printf("Inbox: Failed to resolve actor %s: %v", env.Actor, err)
		return nil, &Result{StateRejected, fmt.Errorf("%w: actor %s", ErrUnknownKey, env.Actor)}
	}

	if r.Header.Get("Signature") == "" {
		if p.conf.Conf.RequireSignatures {
			return nil, &Result{StateRejected, fmt.Errorf("%w: missing Signature header", ErrInvalidSignature)}
		}
		// Unsigned delivery accepted per local policy
		return remoteActor, nil
	}

	if err := VerifyDigest(r.Header, body); err != nil {
		log.Printf("Inbox: Digest verification failed for %s: %v", env.ID, err)
		return nil, &Result{StateRejected, err}
	}

	if _, err := VerifyRequest(r, remoteActor.PublicKeyPem); err != nil {
		// The actor may have rotated keys since we cached them; refresh
		// once and re-verify before rejecting
		refreshed, refreshErr := p.actors.RefreshActor(env.Actor)
		if refreshErr != nil {
			return nil, &Result{StateRejected, err}
		}
		if _, err := VerifyRequest(r, refreshed.PublicKeyPem); err != nil {
			log.Printf("Inbox: Signature verification failed for %s: %v", env.ID, err)
			return nil, &Result{StateRejected, err}
		}
		remoteActor = refreshed
	}

	return remoteActor, nil
}

// record stores the raw activity for dedup and audit. Failure to record
// is not fatal; the activity is still processed.
func (p *Processor) record(env *Activity, body []byte) *domain.Activity {
	activityRecord := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  env.ID,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    objectURIOf(env.Object),
		RawJSON:      string(body),
		Processed:    false,
		Local:        false,
		CreatedAt:    time.Now(),
	}

	if err := p.database.CreateActivity(activityRecord); err != nil {
		if !db.IsUniqueViolation(err) {
			log.Printf("Inbox: Failed to store activity: %v", err)
		}
		return nil
	}
	return activityRecord
}

// objectURIOf extracts the object reference from an activity's object
// field, which is either a URI string or an embedded object
func objectURIOf(object interface{}) string {
	switch obj := object.(type) {
	case string:
		return obj
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}

// handleFollow processes a Follow activity and answers with an Accept
func (p *Processor) handleFollow(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	err, localAccount := p.database.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	// Re-delivered Follow: relationship already exists, just re-Accept
	if err, existing := p.database.ReadFollowByURI(env.ID); err == nil && existing != nil {
		return p.outbox.SendAccept(localAccount, remoteActor, env.ID)
	}

	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remoteActor.Id,  // The follower
		TargetAccountId: localAccount.Id, // The target being followed
		URI:             env.ID,
		Accepted:        true,
		CreatedAt:       time.Now(),
	}

	if err := p.database.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	if err := p.outbox.SendAccept(localAccount, remoteActor, env.ID); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	log.Printf("Inbox: Accepted follow from %s@%s", remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleUndo processes an Undo activity (Undo Follow, Undo Like, Undo
// Announce)
func (p *Processor) handleUndo(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	obj, ok := env.Object.(map[string]interface{})
	if !ok {
		// Undo with a bare URI object: look the activity up locally
		uri := objectURIOf(env.Object)
		if uri == "" {
			return nil
		}
		err, original := p.database.ReadActivityByURI(uri)
		if err != nil || original == nil {
			return nil
		}
		obj = map[string]interface{}{"type": original.ActivityType, "id": original.ActivityURI}
	}

	objType, _ := obj["type"].(string)
	objID, _ := obj["id"].(string)

	switch objType {
	case "Follow":
		if err := p.database.DeleteFollowByURI(objID); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		log.Printf("Inbox: Removed follow from %s@%s", remoteActor.Username, remoteActor.Domain)
	case "Like":
		if err := p.database.DeleteLikeByURI(objID); err != nil {
			return fmt.Errorf("failed to delete like: %w", err)
		}
	case "Announce":
		if err, announced := p.database.ReadActivityByURI(objID); err == nil && announced != nil {
			p.database.DeleteActivity(announced.Id)
		}
	default:
		log.Printf("Inbox: Ignoring Undo of %s", objType)
	}

	return nil
}

// handleAccept processes an Accept activity: a relay answering our
// subscription request, or a remote actor confirming a Follow
func (p *Processor) handleAccept(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	objID := objectURIOf(env.Object)

	matched, err := p.relays.HandleAccept(objID, env.Actor)
	if err != nil {
		return err
	}
	if matched {
		return nil
	}

	if objID == "" {
		return nil
	}

	if err := p.database.AcceptFollowByURI(objID); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}

	log.Printf("Inbox: Follow %s was accepted by %s", objID, env.Actor)
	return nil
}

// handleReject processes a Reject activity for relays and follows.
// Unmatched rejects are ignored; spoofed responses must not error.
func (p *Processor) handleReject(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	objID := objectURIOf(env.Object)

	matched, err := p.relays.HandleReject(objID, env.Actor)
	if err != nil {
		return err
	}
	if matched || objID == "" {
		return nil
	}

	if err, follow := p.database.ReadFollowByURI(objID); err == nil && follow != nil && !follow.Accepted {
		p.database.DeleteFollowByURI(objID)
		log.Printf("Inbox: Follow %s was rejected by %s", objID, env.Actor)
	}
	return nil
}

// handleCreate processes a Create activity (incoming post/note)
func (p *Processor) handleCreate(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	obj, ok := env.Object.(map[string]interface{})
	if !ok {
		return fmt.Errorf("Create activity without an embedded object")
	}

	// A reply to an object we have never seen is a missing dependency:
	// try one bounded resolve of the parent before giving up
	if inReplyTo, ok := obj["inReplyTo"].(string); ok && inReplyTo != "" {
		if err, parent := p.database.ReadActivityByObjectURI(inReplyTo); err != nil || parent == nil {
			if err := p.resolveDependency(inReplyTo, env.Actor); err != nil {
				return fmt.Errorf("%w: parent %s", ErrMissingDependency, inReplyTo)
			}
		}
	}

	log.Printf("Inbox: Accepted post from %s@%s", remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleAnnounce processes an Announce (boost). The boosted object is
// resolved when unknown so the announce has something to point at.
func (p *Processor) handleAnnounce(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	objID := objectURIOf(env.Object)
	if objID == "" {
		return fmt.Errorf("Announce activity without an object")
	}

	if err, known := p.database.ReadActivityByObjectURI(objID); err != nil || known == nil {
		if err := p.resolveDependency(objID, env.Actor); err != nil {
			return fmt.Errorf("%w: announced object %s", ErrMissingDependency, objID)
		}
	}

	log.Printf("Inbox: Recorded boost of %s by %s@%s", objID, remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleLike processes a Like activity. The (account, object) pair is
// unique in the store, so re-delivered likes collapse to one row.
func (p *Processor) handleLike(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	objID := objectURIOf(env.Object)
	if objID == "" {
		return fmt.Errorf("Like activity without an object")
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		ObjectURI: objID,
		URI:       env.ID,
		CreatedAt: time.Now(),
	}

	if err := p.database.CreateLike(like); err != nil {
		if db.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to store like: %w", err)
	}

	log.Printf("Inbox: Recorded like of %s by %s@%s", objID, remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleDelete processes a Delete activity (post deletion or account
// deletion)
func (p *Processor) handleDelete(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	objectURI := objectURIOf(env.Object)
	if objectURI == "" {
		return fmt.Errorf("could not determine object URI from Delete activity")
	}

	log.Printf("Inbox: Processing Delete for %s from %s", objectURI, env.Actor)

	if objectURI == env.Actor {
		// Actor deletion - remove the account and everything tied to it
		err, remoteAcc := p.database.ReadRemoteAccountByURI(objectURI)
		if err == nil && remoteAcc != nil {
			p.database.DeleteFollowsByRemoteAccountId(remoteAcc.Id)
			p.database.DeleteActivitiesByActorURI(objectURI)
			p.database.DeleteRemoteAccount(remoteAcc.Id)
			p.actors.Forget(objectURI)
			log.Printf("Inbox: Removed actor %s and all associated data", objectURI)
		}
		return nil
	}

	// Object deletion (post, note, etc.)
	err, activity := p.database.ReadActivityByObjectURI(objectURI)
	if err != nil || activity == nil {
		log.Printf("Inbox: Activity with object %s not found for deletion, ignoring", objectURI)
		return nil
	}

	if err := p.database.DeleteActivity(activity.Id); err != nil {
		return fmt.Errorf("failed to delete activity: %w", err)
	}
	log.Printf("Inbox: Deleted activity containing object %s", objectURI)
	return nil
}

// handleUpdate processes an Update activity (profile updates, post edits)
func (p *Processor) handleUpdate(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	obj, ok := env.Object.(map[string]interface{})
	if !ok {
		return fmt.Errorf("Update activity without an embedded object")
	}

	objType, _ := obj["type"].(string)
	objID, _ := obj["id"].(string)

	switch objType {
	case "Person", "Service", "Application":
		// Profile update - re-fetch and re-verify via the resolver
		// rather than trusting the inbound payload
		refreshed, err := p.actors.RefreshActor(env.Actor)
		if err != nil {
			return fmt.Errorf("failed to fetch updated actor: %w", err)
		}
		log.Printf("Inbox: Updated profile for %s@%s", refreshed.Username, refreshed.Domain)

	case "Note", "Article":
		err, existing := p.database.ReadActivityByObjectURI(objID)
		if err != nil || existing == nil {
			log.Printf("Inbox: Note/Article %s not found for update, ignoring", objID)
			return nil
		}

		existing.RawJSON = string(body)
		if err := p.database.UpdateActivity(existing); err != nil {
			return fmt.Errorf("failed to update activity: %w", err)
		}
		log.Printf("Inbox: Updated Note/Article %s", objID)

	default:
		log.Printf("Inbox: Unsupported Update object type: %s", objType)
	}

	return nil
}

// handleMove records an account migration without acting on it
func (p *Processor) handleMove(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	log.Printf("Inbox: Actor %s moved to %s", env.Actor, objectURIOf(env.Object))
	return nil
}

// handleBlock records the block; policy evaluation lives elsewhere
func (p *Processor) handleBlock(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	log.Printf("Inbox: Actor %s blocked %s", env.Actor, objectURIOf(env.Object))
	return nil
}

// handleFlag records the report; moderation handling lives elsewhere
func (p *Processor) handleFlag(env *Activity, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	log.Printf("Inbox: Received report from %s about %s", env.Actor, objectURIOf(env.Object))
	return nil
}

// resolveDependency fetches an object this activity depends on and
// records it so the retry can find it locally
func (p *Processor) resolveDependency(objectURI, actorURI string) error {
	object, err := p.resolver.Resolve(objectURI, false)
	if err != nil {
		return err
	}

	raw, _ := json.Marshal(object)
	id, _ := object["id"].(string)
	if id == "" {
		id = objectURI
	}
	attributedTo, _ := object["attributedTo"].(string)
	if attributedTo == "" {
		attributedTo = actorURI
	}

	dep := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  fmt.Sprintf("%s#resolved", id),
		ActivityType: "Create",
		ActorURI:     attributedTo,
		ObjectURI:    id,
		RawJSON:      string(raw),
		Processed:    true,
		Local:        false,
		CreatedAt:    time.Now(),
	}

	if err := p.database.CreateActivity(dep); err != nil && !db.IsUniqueViolation(err) {
		return err
	}
	return nil
}
