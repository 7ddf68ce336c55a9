package cookie

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/shuttlehq/shuttle/logger"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("cookie")

// BoltJar is a Jar persisted in a bbolt database. Session cookies live in
// memory only; cookies with an expiry survive process restarts.
type BoltJar struct {
	*MemoryJar
	db *bolt.DB
}

// NewBolt opens (or creates) the database at path and loads the stored
// cookies.
func NewBolt(path string) (*BoltJar, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	j := &BoltJar{MemoryJar: NewJar(), db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var entries []entry
			if err := json.Unmarshal(v, &entries); err != nil {
				logger.Warnf("cookie: dropping corrupt bucket entry %s: %s", k, err)
				return nil
			}
			j.restore(string(k), entries)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// SetCookies handles the receipt of the cookies in a reply for the given
// URL and persists the affected domains.
func (j *BoltJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.persist(j.setCookies(u, cookies)...)
}

// SetCookieString handles the receipt of the cookies strung in a reply for the given URL.
func (j *BoltJar) SetCookieString(u *url.URL, cookies string) {
	j.SetCookies(u, utils.ParseCookie(cookies))
}

// RemoveCookies deletes the cookies matching the given URL.
func (j *BoltJar) RemoveCookies(u *url.URL) {
	if key := j.removeCookies(u); key != "" {
		j.persist(key)
	}
}

// Clear drops every stored cookie, persisted ones included.
func (j *BoltJar) Clear() {
	j.MemoryJar.Clear()
	err := j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		logger.Errorf("cookie: failed to clear store: %s", err)
	}
}

// Close flushes and closes the underlying database.
func (j *BoltJar) Close() error { return j.db.Close() }

func (j *BoltJar) persist(keys ...string) {
	if len(keys) == 0 {
		return
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, key := range keys {
			entries := j.snapshot(key)
			if len(entries) == 0 {
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Errorf("cookie: failed to persist: %s", err)
	}
}
