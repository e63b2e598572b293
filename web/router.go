package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/loxodon/activitypub"
	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
)

// Deps bundles the federation components the HTTP surface dispatches to
type Deps struct {
	Database  *db.DB
	Processor *activitypub.Processor
	Relays    *activitypub.RelayRegistry
}

func Router(conf *util.AppConfig, deps *Deps) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	g.Use(RateLimitMiddleware(GlobalRateLimiter(conf)))

	inboxLimiter := InboxRateLimiter(conf)
	maxBodySize := MaxBytesMiddleware(conf.Conf.MaxBodyBytes)

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(c.Param("actor"), deps.Database, conf)
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, func(c *gin.Context) {
		handleInbox(c, deps, c.Param("actor"))
	})

	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, func(c *gin.Context) {
		// Shared inbox: route by activity addressing before processing
		body, err := c.GetRawData()
		if err != nil {
			c.Status(400)
			return
		}

		username := sharedInboxTarget(body, deps.Database, conf)
		if username == "" {
			// Relay traffic and unroutable activities are acknowledged
			// without processing
			log.Println("Shared inbox: No local target, acknowledging")
			c.Status(202)
			return
		}

		handleInboxBody(c, deps, username, body)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: emptyCollection(conf, c.Param("actor"), "outbox")})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: emptyCollection(conf, c.Param("actor"), "followers")})
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: emptyCollection(conf, c.Param("actor"), "following")})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.SslDomain))
		err, resp := GetWebfinger(resource, deps.Database, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// Admin surface for relay subscriptions
	admin := g.Group("/api/v1/admin")

	admin.GET("/relays", func(c *gin.Context) {
		subs, err := deps.Relays.ListRelays()
		if err != nil {
			c.JSON(500, gin.H{"error": "failed to list relays"})
			return
		}
		c.JSON(200, subs)
	})

	admin.POST("/relays", func(c *gin.Context) {
		var req struct {
			Actor    string `json:"actor"`
			InboxURI string `json:"inbox_uri"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "invalid request body"})
			return
		}

		err, localAccount := deps.Database.ReadAccByUsername(req.Actor)
		if err != nil {
			c.JSON(404, gin.H{"error": "unknown local account"})
			return
		}

		sub, err := deps.Relays.AddRelay(localAccount, req.InboxURI)
		if err != nil {
			if errors.Is(err, activitypub.ErrInvalidURL) {
				c.JSON(422, gin.H{"error": err.Error()})
				return
			}
			c.JSON(500, gin.H{"error": "failed to add relay"})
			return
		}
		c.JSON(201, sub)
	})

	admin.DELETE("/relays/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid relay id"})
			return
		}
		if err := deps.Relays.RemoveRelay(id); err != nil {
			c.JSON(500, gin.H{"error": "failed to remove relay"})
			return
		}
		c.Status(204)
	})

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}

func handleInbox(c *gin.Context, deps *Deps, username string) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(400)
		return
	}
	handleInboxBody(c, deps, username, body)
}

// handleInboxBody runs one inbound activity through the processor and
// maps the outcome to an HTTP status
func handleInboxBody(c *gin.Context, deps *Deps, username string, body []byte) {
	result := deps.Processor.Process(c.Request, body, username)

	switch {
	case result.Err == nil:
		// Applied, or silently ignored input
		c.Status(202)
	case errors.Is(result.Err, activitypub.ErrInvalidContentType):
		c.JSON(415, gin.H{"error": result.Err.Error()})
	case errors.Is(result.Err, activitypub.ErrInvalidSignature),
		errors.Is(result.Err, activitypub.ErrDigestMismatch),
		errors.Is(result.Err, activitypub.ErrUnknownKey):
		c.JSON(401, gin.H{"error": result.Err.Error()})
	default:
		c.JSON(400, gin.H{"error": result.Err.Error()})
	}
}

// sharedInboxTarget extracts the local username an activity is addressed
// to, falling back to a follower of the sending actor for fan-out
// activities like Create and Announce
func sharedInboxTarget(body []byte, database *db.DB, conf *util.AppConfig) string {
	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		return ""
	}

	extractUsername := func(uri string) string {
		if !strings.Contains(uri, conf.Conf.SslDomain) || !strings.Contains(uri, "/users/") {
			return ""
		}
		parts := strings.Split(uri, "/")
		for i, part := range parts {
			if part == "users" && i+1 < len(parts) {
				username := parts[i+1]
				if slashIdx := strings.Index(username, "/"); slashIdx > 0 {
					username = username[:slashIdx]
				}
				return username
			}
		}
		return ""
	}

	fromList := func(field string) string {
		list, ok := activity[field].([]interface{})
		if !ok {
			return ""
		}
		for _, entry := range list {
			if uri, ok := entry.(string); ok {
				if username := extractUsername(uri); username != "" {
					return username
				}
			}
		}
		return ""
	}

	if username := fromList("to"); username != "" {
		return username
	}
	if username := fromList("cc"); username != "" {
		return username
	}
	if objStr, ok := activity["object"].(string); ok {
		if username := extractUsername(objStr); username != "" {
			return username
		}
	}

	// Fan-out activity: route to a local follower of the sending actor
	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}
	err, remoteActor := database.ReadRemoteAccountByURI(actorURI)
	if err != nil || remoteActor == nil {
		return ""
	}
	err, followers := database.ReadFollowersByAccountId(remoteActor.Id)
	if err != nil || followers == nil || len(*followers) == 0 {
		return ""
	}
	err, localAccount := database.ReadAccById((*followers)[0].AccountId)
	if err != nil || localAccount == nil {
		return ""
	}
	return localAccount.Username
}

// emptyCollection renders a collection stub for actor sub-endpoints
func emptyCollection(conf *util.AppConfig, username, suffix string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://%s/users/%s/%s",
		"type": "OrderedCollection",
		"totalItems": 0,
		"orderedItems": []
	}`, conf.Conf.SslDomain, username, suffix)
}
