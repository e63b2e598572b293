package web

import (
	"encoding/json"
	"fmt"

	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/util"
)

// jrdLink is one entry in a WebFinger JSON Resource Descriptor
type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type jrdDocument struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []jrdLink `json:"links"`
}

// GetWebfinger resolves a local username to its JRD so remote servers
// can discover the actor document
func GetWebfinger(user string, database *db.DB, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccByUsername(user)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	actorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, acc.Username)
	doc := jrdDocument{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, conf.Conf.SslDomain),
		Aliases: []string{actorURI},
		Links: []jrdLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorURI,
			},
		},
	}

	out, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		return marshalErr, GetWebFingerNotFound()
	}
	return nil, string(out)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
