package history

import (
	"encoding/json"
	"fmt"

	uuid "github.com/satori/go.uuid"
	"github.com/tidwall/buntdb"

	"github.com/satsend/nwcpay/internal/storage"
)

const keyPattern = "history:*"

// Record is one settled payment attempt, successful or not.
type Record struct {
	*storage.Base
	Address   string `json:"address"`
	AmountSat int64  `json:"amount_sat"`
	Invoice   string `json:"invoice"`
	Succeeded bool   `json:"succeeded"`
	Preimage  string `json:"preimage,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (r Record) Key() string {
	return fmt.Sprintf("history:%s", r.ID)
}

func NewRecord() *Record {
	return &Record{Base: storage.New(storage.ID(uuid.NewV4().String()))}
}

// Store keeps payment history in the session's bunt database.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(r *Record) error {
	return r.Set(r, s.db)
}

// Get loads one record by id, served from the record cache when warm.
func (s *Store) Get(id string) (*Record, error) {
	r := &Record{Base: storage.New(storage.ID(id))}
	stored, err := r.Base.Get(r, s.db)
	if err != nil {
		return nil, err
	}
	return stored.(*Record), nil
}

func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPattern, func(key, value string) bool {
			var r Record
			if err := json.Unmarshal([]byte(value), &r); err == nil {
				records = append(records, r)
			}
			return true
		})
	})
	return records, err
}

// Remove drops a single record.
func (s *Store) Remove(r *Record) error {
	return r.Base.Delete(r, s.db)
}

// Clear drops all history records. Called on logout.
func (s *Store) Clear() error {
	var keys []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPattern, func(key, value string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
