package activitypub

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/loxodon/util"
)

const (
	maxRedirects     = 5
	maxResponseBytes = 1 * 1024 * 1024
	fetchTimeout     = 10 * time.Second
)

// Resolver fetches and parses remote ActivityPub objects. One instance is
// shared by the actor cache and the inbox processor.
type Resolver struct {
	client    *http.Client
	conf      *util.AppConfig
	userAgent string

	// instance actor key for signed (authorized) fetches
	signKey   *rsa.PrivateKey
	signKeyId string
}

func NewResolver(conf *util.AppConfig) *Resolver {
	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}

	return &Resolver{
		client:    client,
		conf:      conf,
		userAgent: fmt.Sprintf("%s ActivityPub", util.GetNameAndVersion()),
	}
}

// SetSigningKey installs the instance actor's key for authorized fetches.
// keyId format: "https://example.com/users/alice#main-key"
func (r *Resolver) SetSigningKey(key *rsa.PrivateKey, keyId string) {
	r.signKey = key
	r.signKeyId = keyId
}

// Resolve fetches a remote object by URI and parses the JSON-LD body.
// The fetch is signed with the instance actor key unless allowAnonymous
// is set or no key is installed.
func (r *Resolver) Resolve(uri string, allowAnonymous bool) (map[string]interface{}, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvableURI, uri)
	}

	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvableURI, uri)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if !allowAnonymous && r.signKey != nil {
		if err := SignGetRequest(req, r.signKey, r.signKeyId); err != nil {
			return nil, fmt.Errorf("failed to sign fetch: %w", err)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, uri)
		}
		return nil, &FetchError{URI: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URI: uri, Status: resp.StatusCode}
	}

	if !IsJSONLDContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: %q from %s", ErrInvalidContentType, resp.Header.Get("Content-Type"), uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	var object map[string]interface{}
	if err := json.Unmarshal(body, &object); err != nil {
		return nil, fmt.Errorf("%w: body of %s is not a JSON object", ErrUnresolvableURI, uri)
	}

	return object, nil
}

// ResolveCollectionItems walks a collection's items, dereferencing entries
// that are bare URI references. At most limit fetches are performed no
// matter what size the collection claims, which bounds the work a hostile
// remote can trigger.
func (r *Resolver) ResolveCollectionItems(collection map[string]interface{}, limit int, allowAnonymous bool) ([]map[string]interface{}, error) {
	if limit <= 0 {
		return nil, nil
	}

	fetches := 0

	items, ok := collectionItems(collection)
	if !ok {
		// Paged collection: dereference or unwrap the first page
		switch first := collection["first"].(type) {
		case string:
			page, err := r.Resolve(first, allowAnonymous)
			fetches++
			if err != nil {
				return nil, err
			}
			items, _ = collectionItems(page)
		case map[string]interface{}:
			items, _ = collectionItems(first)
		}
	}

	var resolved []map[string]interface{}
	for _, item := range items {
		switch entry := item.(type) {
		case map[string]interface{}:
			resolved = append(resolved, entry)
		case string:
			if fetches >= limit {
				return resolved, nil
			}
			object, err := r.Resolve(entry, allowAnonymous)
			fetches++
			if err != nil {
				log.Printf("Resolver: Skipping collection entry %s: %v", entry, err)
				continue
			}
			resolved = append(resolved, object)
		}
		if len(resolved) >= limit {
			return resolved[:limit], nil
		}
	}

	return resolved, nil
}

func collectionItems(collection map[string]interface{}) ([]interface{}, bool) {
	if items, ok := collection["orderedItems"].([]interface{}); ok {
		return items, true
	}
	if items, ok := collection["items"].([]interface{}); ok {
		return items, true
	}
	return nil, false
}

// IsActivityPubContentType is the strict validator for inbound deliveries:
// application/activity+json, or application/ld+json carrying the
// activitystreams profile.
func IsActivityPubContentType(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	switch mediaType {
	case "application/activity+json":
		return true
	case "application/ld+json":
		return strings.Contains(params["profile"], "https://www.w3.org/ns/activitystreams")
	}
	return false
}

// IsJSONLDContentType is the general validator for resolver responses:
// exact application/ld+json or application/json, or any type in the
// +json suffix family.
func IsJSONLDContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	if mediaType == "application/ld+json" || mediaType == "application/json" {
		return true
	}
	return strings.HasSuffix(mediaType, "+json")
}
