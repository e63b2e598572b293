package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/loxodon/domain"
	"github.com/google/uuid"
)

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, activity_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, activity_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

// EnqueueDelivery inserts a delivery job. The UNIQUE(activity_uri,
// inbox_uri) index rejects a second job for the same pair; callers treat
// that as already-queued via IsUniqueViolation.
func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.ActivityURI,
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.ActivityURI, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// Relay subscription queries
const (
	sqlInsertRelay             = `INSERT INTO relay_subscriptions(id, inbox_uri, actor_uri, follow_uri, status, created_at, resolved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRelays            = `SELECT id, inbox_uri, actor_uri, follow_uri, status, created_at, resolved_at FROM relay_subscriptions ORDER BY created_at ASC`
	sqlSelectRelayById         = `SELECT id, inbox_uri, actor_uri, follow_uri, status, created_at, resolved_at FROM relay_subscriptions WHERE id = ?`
	sqlSelectRelayByFollowURI  = `SELECT id, inbox_uri, actor_uri, follow_uri, status, created_at, resolved_at FROM relay_subscriptions WHERE follow_uri = ? AND status = 'requesting'`
	sqlSelectPendingRelays     = `SELECT id, inbox_uri, actor_uri, follow_uri, status, created_at, resolved_at FROM relay_subscriptions WHERE status = 'requesting' ORDER BY created_at ASC`
	sqlUpdateRelayStatus       = `UPDATE relay_subscriptions SET status = ?, actor_uri = ?, resolved_at = ? WHERE id = ? AND status = 'requesting'`
	sqlDeleteRelaySubscription = `DELETE FROM relay_subscriptions WHERE id = ?`
)

func (db *DB) CreateRelaySubscription(sub *domain.RelaySubscription) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRelay,
			sub.Id.String(),
			sub.InboxURI,
			sub.ActorURI,
			sub.FollowURI,
			sub.Status,
			sub.CreatedAt,
			sub.ResolvedAt,
		)
		return err
	})
}

func (db *DB) ReadRelaySubscriptions() (error, *[]domain.RelaySubscription) {
	rows, err := db.db.Query(sqlSelectRelays)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var subs []domain.RelaySubscription
	for rows.Next() {
		var sub domain.RelaySubscription
		var idStr string
		if err := rows.Scan(&idStr, &sub.InboxURI, &sub.ActorURI, &sub.FollowURI, &sub.Status, &sub.CreatedAt, &sub.ResolvedAt); err != nil {
			return err, &subs
		}
		sub.Id, _ = uuid.Parse(idStr)
		subs = append(subs, sub)
	}
	if err = rows.Err(); err != nil {
		return err, &subs
	}
	return nil, &subs
}

func (db *DB) ReadRelaySubscriptionById(id uuid.UUID) (error, *domain.RelaySubscription) {
	row := db.db.QueryRow(sqlSelectRelayById, id.String())
	return scanRelaySubscription(row)
}

// ReadPendingRelayByFollowURI finds a requesting subscription by the
// Follow activity we sent
func (db *DB) ReadPendingRelayByFollowURI(uri string) (error, *domain.RelaySubscription) {
	row := db.db.QueryRow(sqlSelectRelayByFollowURI, uri)
	return scanRelaySubscription(row)
}

// ReadPendingRelaySubscriptions lists the subscriptions still waiting
// for the relay's answer
func (db *DB) ReadPendingRelaySubscriptions() (error, *[]domain.RelaySubscription) {
	rows, err := db.db.Query(sqlSelectPendingRelays)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var subs []domain.RelaySubscription
	for rows.Next() {
		var sub domain.RelaySubscription
		var idStr string
		if err := rows.Scan(&idStr, &sub.InboxURI, &sub.ActorURI, &sub.FollowURI, &sub.Status, &sub.CreatedAt, &sub.ResolvedAt); err != nil {
			return err, &subs
		}
		sub.Id, _ = uuid.Parse(idStr)
		subs = append(subs, sub)
	}
	if err = rows.Err(); err != nil {
		return err, &subs
	}
	return nil, &subs
}

func scanRelaySubscription(row *sql.Row) (error, *domain.RelaySubscription) {
	var sub domain.RelaySubscription
	var idStr string
	err := row.Scan(&idStr, &sub.InboxURI, &sub.ActorURI, &sub.FollowURI, &sub.Status, &sub.CreatedAt, &sub.ResolvedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	sub.Id, _ = uuid.Parse(idStr)
	return nil, &sub
}

// UpdateRelayStatus settles a requesting subscription, recording which
// actor answered. The WHERE clause only matches pending rows, so settled
// states stay terminal.
func (db *DB) UpdateRelayStatus(id uuid.UUID, status, actorURI string, resolvedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRelayStatus, status, actorURI, resolvedAt, id.String())
		return err
	})
}

func (db *DB) DeleteRelaySubscription(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRelaySubscription, id.String())
		return err
	})
}

// Instance queries
const (
	sqlUpsertInstance = `INSERT INTO instances(domain, latest_request_received_at, suspended, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(domain) DO UPDATE SET
			latest_request_received_at = MAX(latest_request_received_at, excluded.latest_request_received_at),
			suspended = CASE WHEN ? = 1 THEN 0 ELSE suspended END,
			updated_at = excluded.updated_at`
	sqlSelectInstance    = `SELECT domain, latest_request_received_at, suspended, updated_at FROM instances WHERE domain = ?`
	sqlSuspendInstance   = `UPDATE instances SET suspended = 1, updated_at = ? WHERE domain = ?`
	sqlInsertInstanceRow = `INSERT OR IGNORE INTO instances(domain, latest_request_received_at, suspended, updated_at) VALUES (?, ?, 0, ?)`
)

// ApplyInstanceUpdate writes a merged instance update. The SQL mirrors the
// in-memory merge: max timestamp, unsuspend only when the update says so.
func (db *DB) ApplyInstanceUpdate(instanceDomain string, update domain.InstanceUpdate) error {
	unsuspend := 0
	if update.ShouldUnsuspend {
		unsuspend = 1
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertInstance,
			instanceDomain,
			update.LatestRequestReceivedAt,
			time.Now(),
			unsuspend,
		)
		return err
	})
}

func (db *DB) ReadInstance(instanceDomain string) (error, *domain.Instance) {
	row := db.db.QueryRow(sqlSelectInstance, instanceDomain)
	var inst domain.Instance
	err := row.Scan(&inst.Domain, &inst.LatestRequestReceivedAt, &inst.Suspended, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &inst
}

// SuspendInstance marks an instance unreachable after delivery exhaustion
func (db *DB) SuspendInstance(instanceDomain string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertInstanceRow, instanceDomain, time.Time{}, time.Now()); err != nil {
			return err
		}
		_, err := tx.Exec(sqlSuspendInstance, time.Now(), instanceDomain)
		return err
	})
}
