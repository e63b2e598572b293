package web

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/util"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return database
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "example.com"
	conf.Conf.RateLimitPerSec = 10
	conf.Conf.RateLimitBurst = 20
	conf.Conf.InboxRateLimitPerSec = 5
	conf.Conf.InboxRateLimitBurst = 10
	conf.Conf.MaxBodyBytes = 1 << 20
	return conf
}

func TestGetWebFingerNotFound(t *testing.T) {
	result := GetWebFingerNotFound()
	expected := `{"detail":"Not Found"}`

	if result != expected {
		t.Errorf("Expected %s, got %s", expected, result)
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal([]byte(result), &jsonMap); err != nil {
		t.Error("Result should be valid JSON")
	}
}

func TestGetWebfinger(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()

	acc := &domain.Account{
		Id:           uuid.New(),
		Username:     "alice",
		CreatedAt:    time.Now(),
		WebPublicKey: "pub",
	}
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	err, resp := GetWebfinger("alice", database, conf)
	if err != nil {
		t.Fatalf("GetWebfinger failed: %v", err)
	}

	var parsed struct {
		Subject string   `json:"subject"`
		Aliases []string `json:"aliases"`
		Links   []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}

	if parsed.Subject != "acct:alice@example.com" {
		t.Errorf("Expected subject acct:alice@example.com, got %s", parsed.Subject)
	}
	if len(parsed.Aliases) != 1 || parsed.Aliases[0] != "https://example.com/users/alice" {
		t.Errorf("Expected the actor URI as alias, got %v", parsed.Aliases)
	}
	if len(parsed.Links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(parsed.Links))
	}
	link := parsed.Links[0]
	if link.Rel != "self" || link.Type != "application/activity+json" {
		t.Errorf("Unexpected link rel/type: %s/%s", link.Rel, link.Type)
	}
	if link.Href != "https://example.com/users/alice" {
		t.Errorf("Expected actor href, got %s", link.Href)
	}
}

func TestGetWebfingerUnknownUser(t *testing.T) {
	database := setupTestDB(t)

	err, resp := GetWebfinger("nobody", database, testConf())
	if err == nil {
		t.Error("Expected error for unknown user")
	}
	if resp != GetWebFingerNotFound() {
		t.Errorf("Expected not-found body, got %s", resp)
	}
}

func TestGetActorDocument(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()

	acc := &domain.Account{
		Id:           uuid.New(),
		Username:     "alice",
		DisplayName:  "Alice",
		Summary:      "hello world",
		CreatedAt:    time.Now(),
		WebPublicKey: "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n",
	}
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	err, doc := GetActor("alice", database, conf)
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var actor map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &actor); err != nil {
		t.Fatalf("Actor document is not valid JSON: %v", err)
	}

	if actor["id"] != "https://example.com/users/alice" {
		t.Errorf("Unexpected actor id: %v", actor["id"])
	}
	if actor["inbox"] != "https://example.com/users/alice/inbox" {
		t.Errorf("Unexpected inbox: %v", actor["inbox"])
	}
	endpoints, ok := actor["endpoints"].(map[string]interface{})
	if !ok || endpoints["sharedInbox"] != "https://example.com/inbox" {
		t.Errorf("Unexpected sharedInbox endpoint: %v", actor["endpoints"])
	}
	publicKey, ok := actor["publicKey"].(map[string]interface{})
	if !ok || publicKey["id"] != "https://example.com/users/alice#main-key" {
		t.Errorf("Unexpected publicKey id: %v", actor["publicKey"])
	}
}

func TestGetIRI(t *testing.T) {
	tests := []struct {
		action action
		want   string
	}{
		{id, "https://example.com/users/alice"},
		{inbox, "https://example.com/users/alice/inbox"},
		{outbox, "https://example.com/users/alice/outbox"},
		{followers, "https://example.com/users/alice/followers"},
		{following, "https://example.com/users/alice/following"},
		{sharedInbox, "https://example.com/inbox"},
	}

	for _, tt := range tests {
		got := getIRI("example.com", "alice", tt.action)
		if got != tt.want {
			t.Errorf("getIRI(%d): expected %s, got %s", tt.action, tt.want, got)
		}
	}
}
