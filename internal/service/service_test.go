package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory remote.Store with a call log and failure hooks,
// so tests can assert exactly which remote operations a flow performs.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]remote.Doc
	seq     int
	calls   []string
	pingErr error

	createHook func(collection string, doc remote.Doc) error
	updateHook func(collection, id string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]remote.Doc)}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) collection(name string) map[string]remote.Doc {
	if s.docs[name] == nil {
		s.docs[name] = make(map[string]remote.Doc)
	}
	return s.docs[name]
}

func withIDCopy(doc remote.Doc, id string) remote.Doc {
	out := make(remote.Doc, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func (s *fakeStore) Create(ctx context.Context, collection string, doc remote.Doc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create:" + collection)
	if s.createHook != nil {
		if err := s.createHook(collection, doc); err != nil {
			return "", err
		}
	}
	s.seq++
	id := fmt.Sprintf("r%d", s.seq)
	s.collection(collection)[id] = withIDCopy(doc, id)
	return id, nil
}

func (s *fakeStore) Get(ctx context.Context, collection, id string) (remote.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("get:" + collection + ":" + id)
	doc, ok := s.collection(collection)[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return doc, nil
}

func (s *fakeStore) Update(ctx context.Context, collection, id string, patch remote.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("update:" + collection + ":" + id)
	if s.updateHook != nil {
		if err := s.updateHook(collection, id); err != nil {
			return err
		}
	}
	doc, ok := s.collection(collection)[id]
	if !ok {
		return remote.ErrNotFound
	}
	for k, v := range patch {
		doc[k] = v
	}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete:" + collection + ":" + id)
	delete(s.collection(collection), id)
	return nil
}

func (s *fakeStore) Query(ctx context.Context, collection string, filter remote.Filter, order *remote.Order) ([]remote.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("query:" + collection)
	var out []remote.Doc
	for _, doc := range s.collection(collection) {
		match := true
		for k, v := range filter {
			if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, doc)
		}
	}
	remote.SortDocs(out, order)
	return out, nil
}

func (s *fakeStore) BatchApply(ctx context.Context, ops []remote.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("batch:%d", len(ops)))
	if s.createHook != nil {
		for _, op := range ops {
			if op.Kind == remote.OpCreate {
				if err := s.createHook(op.Collection, op.Doc); err != nil {
					return err
				}
			}
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case remote.OpCreate:
			s.collection(op.Collection)[op.ID] = withIDCopy(op.Doc, op.ID)
		case remote.OpUpdate:
			doc, ok := s.collection(op.Collection)[op.ID]
			if !ok {
				return remote.ErrNotFound
			}
			for k, v := range op.Doc {
				doc[k] = v
			}
		case remote.OpDelete:
			delete(s.collection(op.Collection), op.ID)
		}
	}
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offline {
		s.pingErr = fmt.Errorf("no route to host")
	} else {
		s.pingErr = nil
	}
}

func (s *fakeStore) callsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeStore) count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collection(collection))
}

// testEnv wires a full offline-first stack around the fake store.
type testEnv struct {
	kv      *localstore.KV
	store   *fakeStore
	monitor *connectivity.Monitor
	session *session.Session
}

func newTestEnv(t *testing.T, userID string) *testEnv {
	t.Helper()
	logger := testLogger()

	kv, err := localstore.OpenKV(filepath.Join(t.TempDir(), "local.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := newFakeStore()
	monitor := connectivity.NewMonitor(store, time.Second, logger)

	sess := session.New(session.StaticAuthenticator{UserID: userID}, kv, logger)
	require.NoError(t, sess.Init(context.Background()))

	return &testEnv{kv: kv, store: store, monitor: monitor, session: sess}
}

func (e *testEnv) transactions(t *testing.T, maxAttempts int) *TransactionService {
	t.Helper()
	return NewTransactionService(e.session, e.kv, e.store, e.monitor, maxAttempts, nil, testLogger())
}

func (e *testEnv) employees(t *testing.T, maxAttempts int) *EmployeeService {
	t.Helper()
	return NewEmployeeService(e.session, e.kv, e.store, e.monitor, maxAttempts, nil, testLogger())
}

func (e *testEnv) profiles(t *testing.T, maxAttempts int) *ProfileService {
	t.Helper()
	return NewProfileService(e.session, e.kv, e.store, e.monitor, maxAttempts, nil, testLogger())
}
