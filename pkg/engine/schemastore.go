package engine

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tesseradb/tessera/pkg/types"
)

var schemaBucket = []byte("schemas")

// schemaStore persists collection schemas in a small bbolt database so
// field indexes rebuild automatically on reopen, without depending on the
// application re-declaring schemas in the right order.
type schemaStore struct {
	db *bolt.DB
}

func openSchemaStore(path string) (*schemaStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open schema store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(schemaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema bucket: %w", err)
	}
	return &schemaStore{db: db}, nil
}

func (s *schemaStore) save(name string, schema types.CollectionSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schemaBucket).Put([]byte(name), data)
	})
}

func (s *schemaStore) loadAll() (map[string]types.CollectionSchema, error) {
	out := make(map[string]types.CollectionSchema)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(schemaBucket).ForEach(func(k, v []byte) error {
			var schema types.CollectionSchema
			if err := json.Unmarshal(v, &schema); err != nil {
				return fmt.Errorf("decode schema %q: %w", k, err)
			}
			out[string(k)] = schema
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *schemaStore) close() error { return s.db.Close() }
