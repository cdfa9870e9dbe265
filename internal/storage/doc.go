// Package storage holds the in-memory record collection that every worker
// process serves, and that the coordinator keeps as its aggregate view of the
// fleet.
//
// # Overview
//
// A RecordStore is an ordered sequence of User records keyed by a UUID that
// the store mints on insert. Listing preserves insertion order. There is no
// persistence: a store lives exactly as long as the process that owns it.
//
//	┌──────────────────────────────────────────┐
//	│               RecordStore                │
//	├──────────────────────────────────────────┤
//	│  records: []User (insertion order)       │
//	│  newID:   func() string (uuid v4)        │
//	│  mu:      RWMutex                        │
//	├──────────────────────────────────────────┤
//	│  List / Get          (shared lock)       │
//	│  Insert / Replace    (exclusive lock)    │
//	│  Remove / ReplaceAll (exclusive lock)    │
//	└──────────────────────────────────────────┘
//
// # Ownership
//
// A store is owned by the component that created it and is never shared
// across processes. Workers learn about mutations performed by their
// siblings only through ReplaceAll, which installs a full snapshot pushed by
// the coordinator and discards whatever was there before.
//
// # Concurrency and Thread Safety
//
// Every operation takes the store's lock for its whole duration, so two
// mutations never interleave. Records handed out by List and Get are copies;
// callers may modify them freely without affecting the stored state.
//
// # Usage Examples
//
//	store := storage.NewRecordStore()
//
//	created := store.Insert(storage.User{
//	    Username: json.RawMessage(`"alice"`),
//	    Age:      json.RawMessage(`30`),
//	    Hobbies:  json.RawMessage(`[]`),
//	})
//	if u, ok := store.Get(created.ID); ok {
//	    fmt.Println(string(u.Username))
//	}
//
//	// Apply a snapshot received from the coordinator
//	store.ReplaceAll(snapshot)
package storage
