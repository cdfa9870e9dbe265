package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/storage"
	"github.com/dreamware/userfleet/internal/storage/storagetest"
)

const (
	mockID        = "30dc4f8c-11e5-4369-a5e2-8b99e2c08b76"
	mockNoExistID = "50dc4f8c-11e5-4369-a5e2-8b99e2c08b76"
	mockWrongID   = "wrong id"
)

// recordingEmitter collects emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []cluster.MutationEvent
	err    error
}

func (e *recordingEmitter) Emit(ev cluster.MutationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return e.err
}

func (e *recordingEmitter) Events() []cluster.MutationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]cluster.MutationEvent(nil), e.events...)
}

func newTestService(t *testing.T, storeOpts ...storage.Option) (*Service, *recordingEmitter, *httptest.Server) {
	t.Helper()
	emitter := &recordingEmitter{}
	svc := New(storage.NewRecordStore(storeOpts...), WithEmitter(2, emitter))
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, emitter, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const mockUser = `{"username":"User","age":18,"hobbies":[]}`
const mockUpdatedUser = `{"id":"` + mockID + `","username":"UpdatedUser","age":18,"hobbies":["reading"]}`

// TestUserLifecycle walks a record through create, get, update, delete and get
func TestUserLifecycle(t *testing.T) {
	_, emitter, srv := newTestService(t, storage.WithIDGenerator(func() string { return mockID }))
	base := srv.URL + CollectionPath

	resp, body := do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `[]`, string(body))

	resp, body = do(t, http.MethodPost, base, mockUser)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"`+mockID+`","username":"User","age":18,"hobbies":[]}`, string(body))

	resp, body = do(t, http.MethodGet, base+"/"+mockID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"`+mockID+`","username":"User","age":18,"hobbies":[]}`, string(body))

	resp, body = do(t, http.MethodPut, base+"/"+mockID, mockUpdatedUser)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, mockUpdatedUser, string(body))

	resp, body = do(t, http.MethodDelete, base+"/"+mockID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = do(t, http.MethodGet, base+"/"+mockID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	events := emitter.Events()
	require.Len(t, events, 3)
	assert.Equal(t, cluster.OpCreate, events[0].Operation)
	assert.Equal(t, cluster.OpUpdate, events[1].Operation)
	assert.JSONEq(t, `"UpdatedUser"`, string(events[1].Record.Username))
	assert.Equal(t, cluster.OpDelete, events[2].Operation)
	for _, ev := range events {
		assert.Equal(t, 2, ev.WorkerIndex)
		assert.Equal(t, mockID, ev.Record.ID)
	}
}

// TestCreateMintsDistinctUUIDs verifies that every create gets a fresh canonical uuid
func TestCreateMintsDistinctUUIDs(t *testing.T) {
	_, _, srv := newTestService(t)

	seen := make(map[string]bool)
	var order []string
	for i := 0; i < 20; i++ {
		resp, body := do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var u storage.User
		require.NoError(t, json.Unmarshal(body, &u))
		parsed, err := uuid.Parse(u.ID)
		require.NoError(t, err)
		assert.Equal(t, parsed.String(), u.ID)
		assert.False(t, seen[u.ID], "id %s issued twice", u.ID)
		seen[u.ID] = true
		order = append(order, u.ID)
	}

	_, body := do(t, http.MethodGet, srv.URL+CollectionPath, "")
	var list []storage.User
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 20)
	for i, u := range list {
		assert.Equal(t, order[i], u.ID, "listing follows creation order")
	}
}

// TestClientErrors verifies the 400 responses
func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   string
	}{
		{"get with invalid id", http.MethodGet, "/" + mockWrongID, "", "not a valid uuid"},
		{"update with invalid id", http.MethodPut, "/" + mockWrongID, mockUpdatedUser, "not a valid uuid"},
		{"delete with invalid id", http.MethodDelete, "/" + mockWrongID, "", "not a valid uuid"},
		{"non canonical uuid", http.MethodGet, "/30dc4f8c11e54369a5e28b99e2c08b76", "", "not a valid uuid"},
		{"missing hobbies", http.MethodPost, "", `{"username":"User","age":18}`, `"hobbies"`},
		{"missing age", http.MethodPost, "", `{"username":"User","hobbies":[]}`, `"age"`},
		{"null body", http.MethodPost, "", `null`, `"username"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emitter, srv := newTestService(t)

			resp, body := do(t, tt.method, srv.URL+CollectionPath+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), tt.want)
			assert.Empty(t, emitter.Events())
		})
	}
}

// TestFieldValuesKeptAsSent verifies that field values are stored and returned
// exactly as the client sent them, whatever their JSON type
func TestFieldValuesKeptAsSent(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"age as string", `{"username":"User","age":"18","hobbies":[]}`},
		{"fractional age", `{"username":"User","age":18.5,"hobbies":[]}`},
		{"huge age", `{"username":"User","age":1e300,"hobbies":[]}`},
		{"big integer age", `{"username":"User","age":123456789012345678901234567890,"hobbies":[]}`},
		{"null age", `{"username":"User","age":null,"hobbies":[]}`},
		{"hobbies as string", `{"username":"User","age":18,"hobbies":"none"}`},
		{"object username", `{"username":{"first":"U"},"age":18,"hobbies":[1,"two",null]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emitter, srv := newTestService(t, storage.WithIDGenerator(func() string { return mockID }))
			want := `{"id":"` + mockID + `",` + tt.body[1:]

			resp, body := do(t, http.MethodPost, srv.URL+CollectionPath, tt.body)
			require.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, want, strings.TrimSpace(string(body)))

			resp, body = do(t, http.MethodGet, srv.URL+CollectionPath+"/"+mockID, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, want, strings.TrimSpace(string(body)))

			resp, body = do(t, http.MethodPut, srv.URL+CollectionPath+"/"+mockID, tt.body)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, want, strings.TrimSpace(string(body)))

			events := emitter.Events()
			require.Len(t, events, 2)
			encoded, err := json.Marshal(events[0].Record)
			require.NoError(t, err)
			assert.Equal(t, want, string(encoded), "events carry the values unchanged")
		})
	}
}

// TestWhitespaceInValuesIsCompacted verifies that only insignificant
// whitespace is dropped from stored values
func TestWhitespaceInValuesIsCompacted(t *testing.T) {
	_, _, srv := newTestService(t, storage.WithIDGenerator(func() string { return mockID }))

	resp, body := do(t, http.MethodPost, srv.URL+CollectionPath,
		`{ "hobbies" : [ "a b" , 1.50 ], "age" : 18.0e0, "username" : " spaced " }`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":"`+mockID+`","username":" spaced ","age":18.0e0,"hobbies":["a b",1.50]}`,
		strings.TrimSpace(string(body)))
}

// TestInvalidIDWinsOverExistence verifies that a malformed id is rejected even when
// a record with that literal id exists
func TestInvalidIDWinsOverExistence(t *testing.T) {
	seed := []storage.User{storagetest.User(mockWrongID, "legacy", 1)}
	_, _, srv := newTestService(t, storage.WithRecords(seed))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp, _ := do(t, method, srv.URL+CollectionPath+"/wrong%20id", mockUpdatedUser)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, method)
	}
}

// TestMissingFieldLeavesCollectionUnchanged verifies that a rejected create stores nothing
func TestMissingFieldLeavesCollectionUnchanged(t *testing.T) {
	svc, _, srv := newTestService(t)
	do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)

	resp, _ := do(t, http.MethodPost, srv.URL+CollectionPath, `{"username":"User","age":18}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, svc.Store().Len())
}

// TestNotFound verifies the 404 responses
func TestNotFound(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"get unknown id", http.MethodGet, CollectionPath + "/" + mockNoExistID, ""},
		{"update unknown id", http.MethodPut, CollectionPath + "/" + mockNoExistID, mockUpdatedUser},
		{"delete unknown id", http.MethodDelete, CollectionPath + "/" + mockNoExistID, ""},
		{"wrong endpoint", http.MethodGet, "/api/user", ""},
		{"nested path", http.MethodGet, CollectionPath + "/" + mockID + "/extra", ""},
		{"unsupported verb on collection", http.MethodPatch, CollectionPath, mockUser},
		{"unsupported verb on record", http.MethodPost, CollectionPath + "/" + mockID, mockUser},
		{"put on collection", http.MethodPut, CollectionPath, mockUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emitter, srv := newTestService(t)

			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.NotEmpty(t, body)
			assert.Empty(t, emitter.Events())
		})
	}
}

// TestInternalFaults verifies that parse failures and panics yield the generic 500
func TestInternalFaults(t *testing.T) {
	t.Run("malformed json body", func(t *testing.T) {
		_, emitter, srv := newTestService(t)

		resp, body := do(t, http.MethodPost, srv.URL+CollectionPath, `{"username":`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, genericMessage, strings.TrimSpace(string(body)))
		assert.Empty(t, emitter.Events())
	})

	t.Run("panic in handler", func(t *testing.T) {
		svc := New(storage.NewRecordStore(storage.WithIDGenerator(func() string {
			panic("id source exploded")
		})))
		srv := httptest.NewServer(svc.Handler())
		defer srv.Close()

		resp, body := do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, genericMessage, strings.TrimSpace(string(body)))
		assert.NotContains(t, string(body), "exploded")
	})
}

// TestBodyLimit verifies that oversized bodies are rejected
func TestBodyLimit(t *testing.T) {
	svc := New(storage.NewRecordStore(), WithMaxBodyBytes(16))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "exceeds 16 bytes")
	assert.Equal(t, 0, svc.Store().Len())
}

// TestEmitFailureDoesNotFailRequest verifies that a lost event still answers the client
func TestEmitFailureDoesNotFailRequest(t *testing.T) {
	emitter := &recordingEmitter{err: errors.New("link down")}
	svc := New(storage.NewRecordStore(), WithEmitter(1, emitter))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, _ := do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, emitter.Events(), 1)
	assert.Equal(t, 1, svc.Store().Len())
}

// TestStandaloneServiceEmitsNothing verifies single-process mode
func TestStandaloneServiceEmitsNothing(t *testing.T) {
	svc := New(storage.NewRecordStore())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, CollectionPath, strings.NewReader(mockUser))

	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0, svc.Index())
}

// TestFollowSnapshots verifies wholesale replacement from the replication channel
func TestFollowSnapshots(t *testing.T) {
	svc, _, srv := newTestService(t)
	do(t, http.MethodPost, srv.URL+CollectionPath, mockUser)

	snap := cluster.Snapshot{
		storagetest.User(mockID, "from-sibling", 40, "go"),
	}
	snaps := make(chan cluster.Snapshot, 2)
	snaps <- snap
	snaps <- snap
	close(snaps)

	done := make(chan struct{})
	go func() {
		svc.FollowSnapshots(context.Background(), snaps)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FollowSnapshots did not return after channel close")
	}

	_, body := do(t, http.MethodGet, srv.URL+CollectionPath, "")
	assert.JSONEq(t, `[{"id":"`+mockID+`","username":"from-sibling","age":40,"hobbies":["go"]}]`, string(body))
}

// TestFollowSnapshotsStopsOnCancel verifies that the loop honours its context
func TestFollowSnapshotsStopsOnCancel(t *testing.T) {
	svc := New(storage.NewRecordStore())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.FollowSnapshots(ctx, make(chan cluster.Snapshot))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FollowSnapshots ignored cancellation")
	}
}
