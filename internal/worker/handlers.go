package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/storage"
)

var requiredFields = []string{"username", "age", "hobbies"}

// GET /api/users
func (s *Service) listUsers(_ *http.Request) (result, error) {
	return result{status: http.StatusOK, body: s.store.List()}, nil
}

// GET /api/users/{id}
func (s *Service) getUser(r *http.Request) (result, error) {
	id, err := pathID(r)
	if err != nil {
		return result{}, err
	}
	u, ok := s.store.Get(id)
	if !ok {
		return result{}, notFound("user %s does not exist", id)
	}
	return result{status: http.StatusOK, body: u}, nil
}

// POST /api/users
func (s *Service) createUser(r *http.Request) (result, error) {
	fields, err := s.readUser(r)
	if err != nil {
		return result{}, err
	}
	created := s.store.Insert(fields)
	return result{
		status: http.StatusCreated,
		body:   created,
		after:  func() { s.emit(cluster.OpCreate, created) },
	}, nil
}

// PUT /api/users/{id}
func (s *Service) updateUser(r *http.Request) (result, error) {
	id, err := pathID(r)
	if err != nil {
		return result{}, err
	}
	if _, ok := s.store.Get(id); !ok {
		return result{}, notFound("user %s does not exist", id)
	}
	fields, err := s.readUser(r)
	if err != nil {
		return result{}, err
	}
	// The record may have been removed by a snapshot while the body was read.
	updated, ok := s.store.Replace(id, fields)
	if !ok {
		return result{}, notFound("user %s does not exist", id)
	}
	return result{
		status: http.StatusOK,
		body:   updated,
		after:  func() { s.emit(cluster.OpUpdate, updated) },
	}, nil
}

// DELETE /api/users/{id}
func (s *Service) deleteUser(r *http.Request) (result, error) {
	id, err := pathID(r)
	if err != nil {
		return result{}, err
	}
	removed, ok := s.store.Remove(id)
	if !ok {
		return result{}, notFound("user %s does not exist", id)
	}
	return result{
		status: http.StatusNoContent,
		after:  func() { s.emit(cluster.OpDelete, removed) },
	}, nil
}

// pathID extracts the {id} segment and checks that it is a UUID in canonical
// text form. Format is checked before existence.
func pathID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		return "", clientInput("user id %q is not a valid uuid", id)
	}
	return id, nil
}

func validID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// readBody accumulates the request body chunk by chunk until end of stream.
func (s *Service) readBody(r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, s.maxBody)
	defer body.Close()

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, clientInput("request body exceeds %d bytes", tooLarge.Limit)
			}
			return nil, errors.Wrap(err, "read request body")
		}
	}
}

// readUser reads a create or update body. The body must be a JSON object
// carrying username, age and hobbies. Only their presence is checked; the
// values are kept as sent, whatever their JSON type. Anything else the body
// carries, including an id, is ignored.
func (s *Service) readUser(r *http.Request) (storage.User, error) {
	data, err := s.readBody(r)
	if err != nil {
		return storage.User{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return storage.User{}, errors.Wrap(err, "parse request body")
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return storage.User{}, clientInput("request body is missing required field %q", name)
		}
	}

	return storage.User{
		Username: compact(fields["username"]),
		Age:      compact(fields["age"]),
		Hobbies:  compact(fields["hobbies"]),
	}, nil
}

// compact strips insignificant whitespace from a JSON value without touching
// its text otherwise, so numbers keep their exact spelling.
func compact(v json.RawMessage) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
