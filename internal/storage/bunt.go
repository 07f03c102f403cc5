package storage

import (
	"encoding/json"

	"github.com/tidwall/buntdb"
)

// Storable is anything that can be persisted under its own key.
type Storable interface {
	Key() string
}

type DB struct {
	*buntdb.DB
}

func NewBunt(file string) (*DB, error) {
	db, err := buntdb.Open(file)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

func (db *DB) Set(s Storable) error {
	j, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.Key(), string(j), nil)
		return err
	})
}

func (db *DB) Get(s Storable) error {
	return db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(s.Key())
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), s)
	})
}

func (db *DB) Delete(key string) error {
	return db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
}
