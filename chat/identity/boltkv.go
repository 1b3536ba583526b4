package identity

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/seedchat/seedchat/internal/errors"
)

var identityBucket = []byte("identities")

// BoltKV persists identities in a local bbolt file so the same room
// seed maps to the same name across restarts.
type BoltKV struct {
	db *bolt.DB
}

func NewBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.PureWrap(err, "failed to open identity db")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.PureWrap(err, "failed to create identity bucket")
	}

	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Get(key string) (string, bool) {
	var val []byte
	_ = b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(identityBucket).Get([]byte(key)); raw != nil {
			val = append([]byte(nil), raw...)
		}
		return nil
	})
	if val == nil {
		return "", false
	}
	return string(val), true
}

func (b *BoltKV) Set(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put([]byte(key), []byte(value))
	})
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
