package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/util"
	"github.com/google/uuid"
)

const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Outbox fans locally created activities out to remote inboxes through
// the durable delivery queue. Nothing is sent inline; the delivery
// worker signs and posts each job with retry.
type Outbox struct {
	database *db.DB
	conf     *util.AppConfig
}

func NewOutbox(database *db.DB, conf *util.AppConfig) *Outbox {
	return &Outbox{database: database, conf: conf}
}

// Deliver expands recipients to a deduplicated set of inbox URLs and
// enqueues one delivery job per unique inbox. Recipients on the same
// instance collapse onto their shared inbox when one is advertised.
func (o *Outbox) Deliver(activity map[string]interface{}, recipients []*domain.RemoteAccount) error {
	activityURI, _ := activity["id"].(string)
	if activityURI == "" {
		return fmt.Errorf("activity missing id")
	}

	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	inboxes := targetInboxes(recipients)
	if len(inboxes) == 0 {
		log.Printf("Outbox: No inboxes to deliver %s to", activityURI)
		return nil
	}

	for _, inboxURI := range inboxes {
		queueItem := &domain.DeliveryQueueItem{
			Id:           uuid.New(),
			ActivityURI:  activityURI,
			InboxURI:     inboxURI,
			ActivityJSON: string(activityJSON),
			Attempts:     0,
			NextRetryAt:  time.Now(),
			CreatedAt:    time.Now(),
		}

		if err := o.database.EnqueueDelivery(queueItem); err != nil {
			if db.IsUniqueViolation(err) {
				// A job for this (activity, inbox) pair already exists
				continue
			}
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inboxURI, err)
		}
	}

	log.Printf("Outbox: Queued %s for %d inboxes", activityURI, len(inboxes))
	return nil
}

// targetInboxes deduplicates recipient inboxes, preferring the shared
// inbox when several recipients live on the same instance
func targetInboxes(recipients []*domain.RemoteAccount) []string {
	shared := make(map[string]int)
	for _, acc := range recipients {
		if acc.SharedInboxURI != "" {
			shared[acc.Domain]++
		}
	}

	seen := make(map[string]bool)
	var inboxes []string
	for _, acc := range recipients {
		inboxURI := acc.InboxURI
		if acc.SharedInboxURI != "" && shared[acc.Domain] > 1 {
			inboxURI = acc.SharedInboxURI
		}
		if inboxURI == "" || seen[inboxURI] {
			continue
		}
		seen[inboxURI] = true
		inboxes = append(inboxes, inboxURI)
	}
	return inboxes
}

// SendAccept queues an Accept activity in response to a Follow
func (o *Outbox) SendAccept(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string) error {
	acceptID := fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
	actorURI := o.localActorURI(localAccount.Username)

	accept := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       acceptID,
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	return o.Deliver(accept, []*domain.RemoteAccount{remoteActor})
}

// SendCreate queues a Create activity for a new note to all followers
func (o *Outbox) SendCreate(note *domain.Note, localAccount *domain.Account) error {
	actorURI := o.localActorURI(localAccount.Username)
	noteURI := fmt.Sprintf("https://%s/notes/%s", o.conf.Conf.SslDomain, note.Id.String())
	createID := fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
	followersURI := fmt.Sprintf("%s/followers", actorURI)

	create := map[string]interface{}{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        createID,
		"type":      "Create",
		"actor":     actorURI,
		"published": note.CreatedAt.Format(time.RFC3339),
		"to":        []string{PublicAudience},
		"cc":        []string{followersURI},
		"object": map[string]interface{}{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": actorURI,
			"content":      note.Message,
			"published":    note.CreatedAt.Format(time.RFC3339),
			"to":           []string{PublicAudience},
			"cc":           []string{followersURI},
		},
	}

	recipients, err := o.followerRecipients(localAccount)
	if err != nil {
		log.Printf("Outbox: Failed to get followers: %v", err)
		return nil
	}

	// Record locally before fan-out so the note's activity exists even
	// with zero followers
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  createID,
		ActivityType: "Create",
		ActorURI:     actorURI,
		ObjectURI:    noteURI,
		RawJSON:      mustMarshal(create),
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := o.database.CreateActivity(record); err != nil {
		log.Printf("Outbox: Failed to store local Create: %v", err)
	}

	return o.Deliver(create, recipients)
}

// SendFollow queues a Follow activity to a remote actor and stores the
// pending relationship
func (o *Outbox) SendFollow(localAccount *domain.Account, remoteActor *domain.RemoteAccount) error {
	followID := fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
	actorURI := o.localActorURI(localAccount.Username)

	follow := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       followID,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   remoteActor.ActorURI,
	}

	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       localAccount.Id,
		TargetAccountId: remoteActor.Id,
		URI:             followID,
		Accepted:        false, // Pending until Accept received
		CreatedAt:       time.Now(),
	}

	if err := o.database.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return o.Deliver(follow, []*domain.RemoteAccount{remoteActor})
}

// SendUndoFollow queues an Undo for a previously sent Follow
func (o *Outbox) SendUndoFollow(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followURI string) error {
	undoID := fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
	actorURI := o.localActorURI(localAccount.Username)

	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       undoID,
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remoteActor.ActorURI,
		},
	}

	if err := o.database.DeleteFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}

	return o.Deliver(undo, []*domain.RemoteAccount{remoteActor})
}

func (o *Outbox) localActorURI(username string) string {
	return fmt.Sprintf("https://%s/users/%s", o.conf.Conf.SslDomain, username)
}

// followerRecipients loads the remote accounts of all accepted followers
func (o *Outbox) followerRecipients(localAccount *domain.Account) ([]*domain.RemoteAccount, error) {
	err, followers := o.database.ReadFollowersByAccountId(localAccount.Id)
	if err != nil {
		return nil, err
	}
	if followers == nil {
		return nil, nil
	}

	var recipients []*domain.RemoteAccount
	for _, follower := range *followers {
		err, remoteActor := o.database.ReadRemoteAccountById(follower.AccountId)
		if err != nil || remoteActor == nil {
			continue
		}
		recipients = append(recipients, remoteActor)
	}
	return recipients, nil
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
