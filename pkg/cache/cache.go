// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package cache keeps tokenized examples on disk between preprocessing runs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"k8s.io/klog/v2"
)

// DefaultTTL bounds how long a cached example is reused.
const DefaultTTL = 7 * 24 * time.Hour

const examplePrefix = "example/"

// ErrMiss is returned when no example is stored under a key.
var ErrMiss = errors.New("example not in token cache")

// Key addresses one tokenized example: the sha256 of everything the example
// depends on.
type Key [sha256.Size]byte

// NewKey digests the JSON encoding of parts.
func NewKey(parts any) (Key, error) {
	h := sha256.New()
	if err := json.NewEncoder(h).Encode(parts); err != nil {
		return Key{}, fmt.Errorf("failed to encode cache key: %w", err)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) dbKey() []byte {
	return []byte(examplePrefix + k.String())
}

// ExampleStore holds encoded examples by key.
type ExampleStore interface {
	Get(key Key) ([]byte, error)
	Put(key Key, value []byte) error
	// Evict drops an entry that can no longer be decoded.
	Evict(key Key) error
}

type Stats struct {
	Hits   int64
	Misses int64
}

// TokenCache is an ExampleStore in a badger directory. It is safe for
// concurrent use.
type TokenCache struct {
	db  *badger.DB
	ttl time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens (or creates) the token cache in dir. Entries expire after ttl;
// zero keeps them until evicted.
func Open(dir string, ttl time.Duration) (*TokenCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open token cache in %s: %w", dir, err)
	}
	klog.V(1).InfoS("Opened token cache", "dir", dir, "ttl", ttl)
	return &TokenCache{db: db, ttl: ttl}, nil
}

func (c *TokenCache) Get(key Key) ([]byte, error) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.dbKey())
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		c.misses.Add(1)
		return nil, ErrMiss
	case err != nil:
		c.misses.Add(1)
		return nil, err
	}
	c.hits.Add(1)
	return val, nil
}

func (c *TokenCache) Put(key Key, value []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key.dbKey(), value)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *TokenCache) Evict(key Key) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.dbKey())
	})
}

// Stats counts lookups since Open.
func (c *TokenCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *TokenCache) Close() error {
	return c.db.Close()
}
