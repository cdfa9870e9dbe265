// Package storagetest builds records for tests from plain Go values.
package storagetest

import (
	"encoding/json"

	"github.com/dreamware/userfleet/internal/storage"
)

// User returns a record whose fields are the JSON encodings of the given
// values. No hobbies yields an empty array.
func User(id, username string, age any, hobbies ...string) storage.User {
	if hobbies == nil {
		hobbies = []string{}
	}
	return storage.User{
		ID:       id,
		Username: Raw(username),
		Age:      Raw(age),
		Hobbies:  Raw(hobbies),
	}
}

// Raw encodes v as a JSON value and panics if it cannot.
func Raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
