package patch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// maxEvents bounds the event log: a ring of the most recent entries
const maxEvents = 200

// Phase identifies which hook produced an event
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Entry is one patch or fix inside an event
type Entry struct {
	Type     string `json:"type"`
	Action   string `json:"action,omitempty"`
	Target   string `json:"target,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

// Event is one pre or post hook record for a task
type Event struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Entries   []Entry   `json:"entries"`
}

// EventLog is the append-only, ring-buffered patch history
type EventLog struct {
	db *bolt.DB
}

// OpenEventLog opens (or creates) the patch event database
func OpenEventLog(path string) (*EventLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open patch log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &EventLog{db: db}, nil
}

// Close closes the database
func (l *EventLog) Close() error {
	return l.db.Close()
}

// Append records an event and trims the log back to the ring size
func (l *EventLog) Append(taskID string, phase Phase, entries []Entry) error {
	event := Event{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Entries:   entries,
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}

		// Trim oldest entries beyond the ring size
		count := 0
		cursor := b.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		var doomed [][]byte
		for k, _ := cursor.First(); k != nil && count > maxEvents; k, _ = cursor.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
			count--
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to n most recent events, newest last
func (l *EventLog) Recent(n int) ([]Event, error) {
	var events []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Last(); k != nil && len(events) < n; k, v = cursor.Prev() {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
