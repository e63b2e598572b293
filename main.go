package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/loxodon/activitypub"
	"github.com/deemkeen/loxodon/db"
	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/queue"
	"github.com/deemkeen/loxodon/util"
	"github.com/deemkeen/loxodon/web"
	"github.com/google/uuid"
)

const instanceActorName = "admin"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	log.Println("Running database migrations...")
	database := db.GetDB()
	if err := database.RunMigrations(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	account, err := ensureInstanceActor(database)
	if err != nil {
		log.Fatalln(err)
	}

	resolver := activitypub.NewResolver(conf)
	if conf.Conf.SignedFetch {
		key, err := activitypub.ParsePrivateKey(account.WebPrivateKey)
		if err != nil {
			log.Fatalln(err)
		}
		keyId := fmt.Sprintf("https://%s/users/%s#main-key", conf.Conf.SslDomain, account.Username)
		resolver.SetSigningKey(key, keyId)
	}

	actors := activitypub.NewActorCache(database, resolver, 0)

	collapser := queue.NewCollapsingQueue(
		time.Duration(conf.Conf.CollapseIntervalSec)*time.Second,
		domain.MergeInstanceUpdates,
		func(instanceDomain string, update domain.InstanceUpdate) {
			if err := database.ApplyInstanceUpdate(instanceDomain, update); err != nil {
				log.Printf("Main: Failed to apply instance update for %s: %v", instanceDomain, err)
			}
		},
	)

	outbox := activitypub.NewOutbox(database, conf)
	relays := activitypub.NewRelayRegistry(database, outbox, conf)
	processor := activitypub.NewProcessor(database, actors, resolver, outbox, relays, collapser, conf)

	worker := activitypub.NewDeliveryWorker(database, conf)
	worker.Start()

	go func() {
		deps := &web.Deps{
			Database:  database,
			Processor: processor,
			Relays:    relays,
		}
		if err := web.Router(conf, deps); err != nil {
			log.Fatalln(err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	worker.Stop()
	collapser.Close()
	if err := database.Close(); err != nil {
		log.Printf("Main: Failed to close database: %v", err)
	}
}

// ensureInstanceActor creates the local signing account on first start
func ensureInstanceActor(database *db.DB) (*domain.Account, error) {
	err, existing := database.ReadAccByUsername(instanceActorName)
	if err == nil && existing != nil {
		return existing, nil
	}

	log.Printf("Creating instance actor %q...", instanceActorName)
	keypair := util.GeneratePemKeypair()

	account := &domain.Account{
		Id:            uuid.New(),
		Username:      instanceActorName,
		DisplayName:   instanceActorName,
		CreatedAt:     time.Now(),
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
	}
	if err := database.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to create instance actor: %w", err)
	}
	return account, nil
}
