package db

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/loxodon/domain"
	"github.com/deemkeen/loxodon/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const DatabaseFileName = "loxodon.db"

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name text,
                        summary text,
                        created_at timestamp default current_timestamp,
                        web_public_key text,
                        web_private_key text
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountById       = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE id = ?`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`
)

// Open opens a database at the given path and sets up the schema
func Open(path string) (*DB, error) {
	sqlDb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDb.SetMaxOpenConns(25)
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	err = sqlDb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
	if err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	}

	// Optimize PRAGMAs for a concurrent federation workload
	sqlDb.Exec("PRAGMA synchronous = NORMAL")
	sqlDb.Exec("PRAGMA cache_size = -64000")
	sqlDb.Exec("PRAGMA temp_store = MEMORY")
	sqlDb.Exec("PRAGMA busy_timeout = 5000")
	sqlDb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDb}
	if err := database.CreateDB(); err != nil {
		sqlDb.Close()
		return nil, err
	}

	return database, nil
}

// GetDB returns the process-wide database, opening it on first use
func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := Open(util.ResolveFilePath(DatabaseFileName))
		if err != nil {
			panic(err)
		}
		dbInstance = database
	})

	return dbInstance
}

// Close closes the underlying connection pool
func (db *DB) Close() error {
	return db.db.Close()
}

// CreateDB creates the base schema.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCreateAccountsTable)
		return err
	})
}

// IsUniqueViolation reports whether err is a sqlite UNIQUE constraint error
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	serr, ok := err.(*sqlite.Error)
	if ok {
		code := serr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT ||
			code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	// modernc wraps some constraint failures as plain errors
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// Account queries

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	return scanAccount(row)
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var tempAcc domain.Account
	var idStr string
	err := row.Scan(&idStr, &tempAcc.Username, &tempAcc.DisplayName, &tempAcc.Summary, &tempAcc.CreatedAt, &tempAcc.WebPublicKey, &tempAcc.WebPrivateKey)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	tempAcc.Id, _ = uuid.Parse(idStr)
	return nil, &tempAcc
}

// Remote Accounts queries
const (
	sqlInsertRemoteAccount      = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at, stale, suspended) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at, stale, suspended FROM remote_accounts WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at, stale, suspended FROM remote_accounts WHERE id = ?`
	sqlSelectRemoteAccountByHandle = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at, stale, suspended FROM remote_accounts WHERE username = ? AND domain = ?`
	sqlUpdateRemoteAccount      = `UPDATE remote_accounts SET display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ?, stale = ?, suspended = ? WHERE actor_uri = ?`
	sqlRebindRemoteAccount      = `UPDATE remote_accounts SET username = ?, domain = ?, actor_uri = ?, display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ?, stale = ?, suspended = ? WHERE id = ?`
	sqlMarkRemoteAccountStale   = `UPDATE remote_accounts SET stale = 1 WHERE actor_uri = ?`
	sqlDeleteRemoteAccount      = `DELETE FROM remote_accounts WHERE id = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.Stale,
			acc.Suspended,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	return scanRemoteAccount(row)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountById, id.String())
	return scanRemoteAccount(row)
}

// ReadRemoteAccountByHandle finds an actor by its username@domain pair,
// which stays stable across actor URI changes
func (db *DB) ReadRemoteAccountByHandle(username, domainName string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByHandle, username, domainName)
	return scanRemoteAccount(row)
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.OutboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.LastFetchedAt,
		&acc.Stale,
		&acc.Suspended,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

// UpdateRemoteAccount replaces the cached snapshot for an actor.
// Last writer wins; actor documents are snapshots, not deltas.
func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.Stale,
			acc.Suspended,
			acc.ActorURI,
		)
		return err
	})
}

// RebindRemoteAccount overwrites a row by id, including the identity
// columns. Used when an actor re-appears under a new URI on the same
// username@domain handle.
func (db *DB) RebindRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRebindRemoteAccount,
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.Stale,
			acc.Suspended,
			acc.Id.String(),
		)
		return err
	})
}

func (db *DB) MarkRemoteAccountStale(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkRemoteAccountStale, uri)
		return err
	})
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

// Follow queries
const (
	sqlInsertFollow               = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByURI          = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByAccounts     = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI          = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI          = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowsByAccountId   = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
	sqlSelectFollowersByAccountId = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE target_account_id = ? AND accepted = 1`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	return scanFollow(row)
}

func (db *DB) ReadFollowByAccountIds(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByAccounts, accountId.String(), targetId.String())
	return scanFollow(row)
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil, &follow
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowsByRemoteAccountId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAccountId, id.String(), id.String())
		return err
	})
}

// ReadFollowersByAccountId returns accepted follows targeting the account
func (db *DB) ReadFollowersByAccountId(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersByAccountId, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr, targetIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &followers
		}
		follow.Id, _ = uuid.Parse(idStr)
		follow.AccountId, _ = uuid.Parse(accountIdStr)
		follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
		followers = append(followers, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// Activity queries
const (
	sqlInsertActivity          = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity          = `UPDATE activities SET processed = ?, object_uri = ?, raw_json = ? WHERE id = ?`
	sqlSelectActivityByURI     = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
	sqlSelectActivityByObjURI  = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE object_uri = ?`
	sqlDeleteActivity          = `DELETE FROM activities WHERE id = ?`
	sqlDeleteActivitiesByActor = `DELETE FROM activities WHERE actor_uri = ?`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Id.String(),
		)
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByURI, uri)
	return scanActivity(row)
}

func (db *DB) ReadActivityByObjectURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByObjURI, uri)
	return scanActivity(row)
}

func scanActivity(row *sql.Row) (error, *domain.Activity) {
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

func (db *DB) DeleteActivitiesByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByActor, actorURI)
		return err
	})
}

// Like queries
const (
	sqlInsertLike       = `INSERT INTO likes(id, account_id, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectLikeByPair = `SELECT id, account_id, object_uri, uri, created_at FROM likes WHERE account_id = ? AND object_uri = ?`
	sqlDeleteLikeByURI  = `DELETE FROM likes WHERE uri = ?`
)

func (db *DB) CreateLike(like *domain.Like) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike,
			like.Id.String(),
			like.AccountId.String(),
			like.ObjectURI,
			like.URI,
			like.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadLikeByAccountAndObject(accountId uuid.UUID, objectURI string) (error, *domain.Like) {
	row := db.db.QueryRow(sqlSelectLikeByPair, accountId.String(), objectURI)
	var like domain.Like
	var idStr, accountIdStr string
	err := row.Scan(&idStr, &accountIdStr, &like.ObjectURI, &like.URI, &like.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	like.Id, _ = uuid.Parse(idStr)
	like.AccountId, _ = uuid.Parse(accountIdStr)
	return nil, &like
}

func (db *DB) DeleteLikeByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteLikeByURI, uri)
		return err
	})
}
