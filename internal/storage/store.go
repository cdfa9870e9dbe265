package storage

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// User is a single record in the collection.
// ID is assigned by the store on insert and never changes afterwards. The
// other fields hold the JSON values exactly as the client sent them; their
// types are not checked, so "18" and 18.5 are both valid ages.
type User struct {
	ID       string          `json:"id"`
	Username json.RawMessage `json:"username"`
	Age      json.RawMessage `json:"age"`
	Hobbies  json.RawMessage `json:"hobbies"`
}

// Clone returns a deep copy of the record.
func (u User) Clone() User {
	out := u
	out.Username = slices.Clone(u.Username)
	out.Age = slices.Clone(u.Age)
	out.Hobbies = slices.Clone(u.Hobbies)
	return out
}

// Option configures a RecordStore.
type Option func(*RecordStore)

// WithIDGenerator replaces the UUID generator used by Insert.
// Tests use it to make minted ids predictable.
func WithIDGenerator(gen func() string) Option {
	return func(s *RecordStore) {
		s.newID = gen
	}
}

// WithRecords installs an initial collection (a configured seed).
func WithRecords(records []User) Option {
	return func(s *RecordStore) {
		s.records = cloneAll(records)
	}
}

// RecordStore is an ordered, in-memory collection of users.
// All methods are safe for concurrent use; mutations are serialized.
type RecordStore struct {
	newID   func() string
	records []User
	mu      sync.RWMutex
}

// NewRecordStore creates an empty store minting v4 UUIDs.
func NewRecordStore(opts ...Option) *RecordStore {
	s := &RecordStore{
		newID:   uuid.NewString,
		records: []User{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every record in insertion order.
func (s *RecordStore) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.records)
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns the record with the given id.
func (s *RecordStore) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return User{}, false
	}
	return s.records[idx].Clone(), true
}

// Insert mints a fresh id for u, appends it and returns the stored record.
// Any id already present on u is ignored.
func (s *RecordStore) Insert(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for s.indexOf(id) >= 0 {
		id = s.newID()
	}

	stored := u.Clone()
	stored.ID = id
	s.records = append(s.records, stored)
	return stored.Clone()
}

// Append adds a record that already carries its id.
// The coordinator uses it to mirror a create performed by a worker. An
// existing record with the same id is replaced instead, keeping ids unique.
func (s *RecordStore) Append(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := u.Clone()
	if idx := s.indexOf(u.ID); idx >= 0 {
		s.records[idx] = stored
	} else {
		s.records = append(s.records, stored)
	}
	return stored.Clone()
}

// Replace overwrites the fields of the record with the given id, keeping the
// id itself. It reports false when no such record exists.
func (s *RecordStore) Replace(id string, fields User) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return User{}, false
	}

	updated := fields.Clone()
	updated.ID = id
	s.records[idx] = updated
	return updated.Clone(), true
}

// Remove deletes and returns the record with the given id.
func (s *RecordStore) Remove(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return User{}, false
	}

	removed := s.records[idx]
	s.records = slices.Delete(s.records, idx, idx+1)
	return removed, true
}

// ReplaceAll discards the current collection and installs records verbatim.
func (s *RecordStore) ReplaceAll(records []User) {
	next := cloneAll(records)

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

// indexOf must be called with mu held.
func (s *RecordStore) indexOf(id string) int {
	return slices.IndexFunc(s.records, func(u User) bool { return u.ID == id })
}

func cloneAll(records []User) []User {
	out := make([]User, len(records))
	for i, u := range records {
		out[i] = u.Clone()
	}
	return out
}
