package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/util"
)

// backoffMinutes is the retry schedule; the last step repeats until the
// attempt budget runs out
var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// DeliveryWorker drains the delivery queue in the background. At most
// one attempt per (activity, inbox) pair is in flight at any time.
type DeliveryWorker struct {
	database *db.DB
	conf     *util.AppConfig
	client   *http.Client

	mu       sync.Mutex
	inflight map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewDeliveryWorker(database *db.DB, conf *util.AppConfig) *DeliveryWorker {
	return &DeliveryWorker{
		database: database,
		conf:     conf,
		client:   &http.Client{Timeout: 30 * time.Second},
		inflight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Start begins the background delivery loop
func (w *DeliveryWorker) Start() {
	log.Println("Starting delivery worker...")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.ProcessQueue()
			case <-w.done:
				return
			}
		}
	}()
}

// Stop halts the loop; in-flight attempts finish via the http timeout
func (w *DeliveryWorker) Stop() {
	close(w.done)
	w.wg.Wait()
}

// ProcessQueue runs one pass over due deliveries
func (w *DeliveryWorker) ProcessQueue() {
	err, items := w.database.ReadPendingDeliveries(50)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		w.processItem(item)
	}
}

func (w *DeliveryWorker) processItem(item domain.DeliveryQueueItem) {
	key := item.ActivityURI + "|" + item.InboxURI

	// Coalesce concurrent triggers for the same pair instead of
	// duplicating the network call
	w.mu.Lock()
	if w.inflight[key] {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
	}()

	err := w.deliver(&item)

	switch {
	case err == nil:
		log.Printf("DeliveryWorker: Successfully delivered to %s", item.InboxURI)
		w.database.DeleteDelivery(item.Id)

	case IsRetryable(err):
		w.reschedule(item, err)

	default:
		// Explicit rejection or a malformed job; retrying cannot help
		log.Printf("DeliveryWorker: Dropping delivery to %s: %v", item.InboxURI, err)
		w.database.DeleteDelivery(item.Id)
	}
}

// reschedule bumps the attempt count with exponential backoff, dropping
// the job and flagging the instance once the budget is exhausted
func (w *DeliveryWorker) reschedule(item domain.DeliveryQueueItem, cause error) {
	item.Attempts++

	if item.Attempts >= w.conf.Conf.MaxDeliveryAttempts {
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
		w.database.DeleteDelivery(item.Id)

		// Exhaustion degrades silently into instance health, never back
		// to the sender
		if instanceDomain := domainOfInbox(item.InboxURI); instanceDomain != "" {
			if err := w.database.SuspendInstance(instanceDomain); err != nil {
				log.Printf("DeliveryWorker: Failed to suspend instance %s: %v", instanceDomain, err)
			}
		}
		return
	}

	step := item.Attempts - 1
	if step >= len(backoffMinutes) {
		step = len(backoffMinutes) - 1
	}
	item.NextRetryAt = time.Now().Add(time.Duration(backoffMinutes[step]) * time.Minute)

	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %dm: %v",
		item.InboxURI, item.Attempts, backoffMinutes[step], cause)
	w.database.UpdateDeliveryAttempt(item.Id, item.Attempts, item.NextRetryAt)
}

// deliver signs and posts a single activity to an inbox. Remote failures
// come back as FetchError so IsRetryable can classify them; everything
// else is a malformed job and terminal.
func (w *DeliveryWorker) deliver(item *domain.DeliveryQueueItem) error {
	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return fmt.Errorf("failed to parse activity JSON: %w", err)
	}

	actor, ok := activity["actor"].(string)
	if !ok {
		return fmt.Errorf("activity missing actor field")
	}

	username := usernameOfActorURI(actor)
	if username == "" {
		return fmt.Errorf("invalid actor URI: %s", actor)
	}

	err, localAccount := w.database.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("failed to get local account: %w", err)
	}

	privateKey, err := ParsePrivateKey(localAccount.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(item.ActivityJSON)
	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", fmt.Sprintf("%s ActivityPub", util.GetNameAndVersion()))
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	keyID := fmt.Sprintf("https://%s/users/%s#main-key", w.conf.Conf.SslDomain, username)
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &FetchError{URI: item.InboxURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &FetchError{URI: item.InboxURI, Status: resp.StatusCode}
	}

	return nil
}

// usernameOfActorURI extracts the username from a local actor URI
// like "https://example.com/users/alice"
func usernameOfActorURI(actorURI string) string {
	parts := strings.Split(actorURI, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// domainOfInbox extracts the instance domain from an inbox URL
func domainOfInbox(inboxURI string) string {
	parsed, err := url.Parse(inboxURI)
	if err != nil {
		return ""
	}
	return parsed.Host
}
