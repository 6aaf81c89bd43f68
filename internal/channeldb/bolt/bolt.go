// Package bolt is the default Channel Store backend: an embedded
// go.etcd.io/bbolt database, migrated forward-only the way
// channeldb/db.go migrates lnd's own channel.db — a versioned list of
// migration funcs, each applied inside its own bolt transaction, gated by a
// version entry (here, database_info.version, per spec.md §6) rather
// than silently assumed current.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"

	bbolt "go.etcd.io/bbolt"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

const (
	dbFileName       = "paychan.db"
	dbFilePermission = 0600
)

var (
	usersBucket              = []byte("users")
	usersByPubKeyBucket      = []byte("users_by_pubkey")
	sessionsBucket           = []byte("sessions")
	channelsBucket           = []byte("channels")
	channelsByUserStatusIdx  = []byte("channels_by_user_status")
	channelsDefaultBucket    = []byte("channels_default")
	chunksBucket             = []byte("chunks")
	chunksByChannelIdx       = []byte("chunks_by_channel")
	chunksByUserSessionIdx   = []byte("chunks_by_user_session")
	taskLogsBucket           = []byte("task_logs")
	dbInfoBucket             = []byte("database_info")

	topLevelBuckets = [][]byte{
		usersBucket, usersByPubKeyBucket, sessionsBucket,
		channelsBucket, channelsByUserStatusIdx, channelsDefaultBucket,
		chunksBucket, chunksByChannelIdx, chunksByUserSessionIdx,
		taskLogsBucket, dbInfoBucket,
	}

	versionKey = []byte("version")
)

// migration mutates a prior outdated bucket layout into a more
// up-to-date one, exactly mirroring channeldb/db.go's migration type.
type migration func(tx *bbolt.Tx) error

// schemaVersion pairs a migration with the database_info.version number
// it produces.
type schemaVersion struct {
	number    uint32
	migration migration
}

// schemaVersions lists every migration in order. The base version (0)
// only needs the top-level buckets created, which Open always does
// before consulting this list.
var schemaVersions = []schemaVersion{
	{number: 0, migration: nil},
}

// DB is the bbolt-backed Store implementation.
type DB struct {
	*bbolt.DB
	locks *channeldb.KeyedMutex
}

// Open opens (creating if absent) the bbolt database at dir/paychan.db
// and applies any pending migrations.
func Open(dir string) (*DB, error) {
	const op = "bolt.Open"

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	path := filepath.Join(dir, dbFileName)

	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}

	if err := bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, errs.New(op, errs.Internal, err)
	}

	db := &DB{DB: bdb, locks: channeldb.NewKeyedMutex()}
	if err := db.syncVersions(); err != nil {
		bdb.Close()
		return nil, err
	}

	return db, nil
}

// syncVersions applies every migration newer than the database's
// current database_info.version, each inside its own transaction, in
// ascending order — forward-only, idempotent (re-running a migration
// whose number is <= the stored version is a no-op).
func (d *DB) syncVersions() error {
	const op = "bolt.syncVersions"

	var current uint32
	if err := d.View(func(tx *bbolt.Tx) error {
		info := tx.Bucket(dbInfoBucket)
		raw := info.Get(versionKey)
		if len(raw) == 4 {
			current = beUint32(raw)
		}
		return nil
	}); err != nil {
		return errs.New(op, errs.Internal, err)
	}

	for _, v := range schemaVersions {
		if v.number <= current {
			continue
		}
		if err := d.Update(func(tx *bbolt.Tx) error {
			if v.migration != nil {
				if err := v.migration(tx); err != nil {
					return err
				}
			}
			return tx.Bucket(dbInfoBucket).Put(versionKey, beUint32Bytes(v.number))
		}); err != nil {
			return errs.New(op, errs.Internal,
				fmt.Errorf("migration %d: %w", v.number, err))
		}
	}

	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Close closes the underlying bbolt database.
func (d *DB) Close() error {
	return d.DB.Close()
}

var _ channeldb.Store = (*DB)(nil)
