package timers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gmsas95/dosekeeper/internal/trigger"
)

const journalPrefix = "trigger:"

// Journal mirrors outstanding triggers into badger so other processes
// (the CLI) can list them. Entries expire shortly after their instant.
type Journal struct {
	db  *badger.DB
	now func() time.Time
}

func NewJournal(db *badger.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

func (j *Journal) Put(p Pending) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	ttl := p.At.Sub(j.now()) + time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(journalPrefix+p.Key.String()), val).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

func (j *Journal) Delete(key trigger.Key) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(journalPrefix + key.String()))
	})
}

// List returns the journaled triggers ordered by instant
func (j *Journal) List() ([]Pending, error) {
	var out []Pending
	prefix := []byte(journalPrefix)

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Pending
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &p)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortPending(out)
	return out, nil
}

// Reset drops every journaled trigger. Timers do not survive a restart,
// so the daemon clears the journal before recovery re-registers.
func (j *Journal) Reset() error {
	return j.db.DropPrefix([]byte(journalPrefix))
}
