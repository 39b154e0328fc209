package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/conflict"
	"github.com/astromechza/notelive/pkg/events"
	"github.com/astromechza/notelive/pkg/live"
	"github.com/astromechza/notelive/pkg/rooms"
	"github.com/astromechza/notelive/pkg/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	t     *testing.T
	srv   *Server
	ts    *httptest.Server
	authn *auth.Authenticator
	admin uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authn := auth.New([]byte("test-secret"), time.Hour)
	registry := rooms.NewRegistry(16, quietLogger)
	dispatcher := rooms.NewDispatcher(registry, rooms.Drop, 0, quietLogger)
	admin := uuid.New()
	srv := New(st, authn, registry, dispatcher, Options{
		Admins: map[uuid.UUID]bool{admin: true},
		Conn:   live.Options{PingInterval: 50 * time.Millisecond, WriteTimeout: time.Second, Logger: quietLogger},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{t: t, srv: srv, ts: ts, authn: authn, admin: admin}
}

type user struct {
	f      *fixture
	bearer string
}

func (f *fixture) user(id uuid.UUID) *user {
	bearer, err := f.authn.Issue(id)
	require.NoError(f.t, err)
	return &user{f: f, bearer: bearer}
}

// anonymous sends no bearer at all.
func (f *fixture) anonymous() *user {
	return &user{f: f}
}

func (u *user) do(method, path string, body, out any) *http.Response {
	t := u.f.t
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, u.f.ts.URL+path, reader)
	require.NoError(t, err)
	if u.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+u.bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (u *user) notebook(name string) store.Notebook {
	var nb store.Notebook
	resp := u.do(http.MethodPost, "/api/notebooks", map[string]string{"name": name}, &nb)
	require.Equal(u.f.t, http.StatusCreated, resp.StatusCode)
	return nb
}

func (u *user) note(notebookID uuid.UUID, name string) conflict.Note {
	var n conflict.Note
	resp := u.do(http.MethodPost, "/api/notebooks/"+notebookID.String()+"/notes", map[string]string{"name": name}, &n)
	require.Equal(u.f.t, http.StatusCreated, resp.StatusCode)
	return n
}

func (u *user) token() string {
	var out map[string]string
	resp := u.do(http.MethodGet, "/api/ws-token", nil, &out)
	require.Equal(u.f.t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(u.f.t, out["token"])
	return out["token"]
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

type viewer struct {
	t      *testing.T
	msgs   chan events.Message
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// watch opens a live connection at path (with a fresh token appended) and
// collects what it receives.
func (u *user) watch(path string) *viewer {
	t := u.f.t
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(u.f.wsURL(path+"/"+u.token()), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	v := &viewer{t: t, msgs: make(chan events.Message, 32), cancel: cancel, done: make(chan error, 1)}
	go func() {
		v.done <- live.Listen(ctx, conn, func(m events.Message) { v.msgs <- m }, live.Options{Logger: quietLogger})
	}()
	t.Cleanup(v.close)
	return v
}

func (v *viewer) close() {
	v.once.Do(func() {
		v.cancel()
		select {
		case err := <-v.done:
			assert.NoError(v.t, err)
		case <-time.After(2 * time.Second):
			v.t.Error("viewer did not stop")
		}
	})
}

func (v *viewer) next() events.Message {
	v.t.Helper()
	select {
	case m := <-v.msgs:
		return m
	case <-time.After(2 * time.Second):
		v.t.Fatal("no message received")
		return events.Message{}
	}
}

func (v *viewer) none() {
	v.t.Helper()
	select {
	case m := <-v.msgs:
		v.t.Fatalf("unexpected message %s", m.Category)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) waitForClients(n int) {
	assert.Eventually(f.t, func() bool { return f.srv.registry.Count() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestApiNeedsBearer(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/api/notebooks")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNotebookRoomFanOut(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")
	other := owner.notebook("Home")
	first := owner.note(nb.ID, "Plans")

	notebookViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	noteViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/notes/" + first.ID.String() + "/ws")
	otherViewer := owner.watch("/api/notebooks/" + other.ID.String() + "/ws")
	f.waitForClients(3)

	created := owner.note(nb.ID, "Ideas")
	for _, v := range []*viewer{notebookViewer, noteViewer} {
		m := v.next()
		assert.Equal(t, events.NoteCreate, m.Category)
		assert.Equal(t, events.NotePayload{NotebookID: nb.ID, NoteID: created.ID, Name: "Ideas"}, m.Payload)
	}
	otherViewer.none()

	resp := owner.do(http.MethodPatch, "/api/notebooks/"+nb.ID.String(), map[string]string{"name": "Office"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := notebookViewer.next()
	assert.Equal(t, events.NotebookRename, m.Category)
	assert.Equal(t, events.NotebookPayload{NotebookID: nb.ID, Name: "Office"}, m.Payload)
	assert.Equal(t, events.NotebookRename, noteViewer.next().Category)
	otherViewer.none()
}

func TestContentChangeReachesNoteRoomOnly(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")
	a := owner.note(nb.ID, "A")
	b := owner.note(nb.ID, "B")

	notebookViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	aViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/notes/" + a.ID.String() + "/ws")
	bViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/notes/" + b.ID.String() + "/ws")
	f.waitForClients(3)

	var saved saveResponse
	resp := owner.do(http.MethodPost, "/api/notebooks/"+nb.ID.String()+"/notes/"+a.ID.String()+"/save",
		saveRequest{Content: "# hello", UpdatedAt: a.UpdatedAt}, &saved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, saved.Conflict)
	assert.Nil(t, saved.BackupID)
	assert.True(t, saved.UpdatedAt.After(a.UpdatedAt))

	m := aViewer.next()
	assert.Equal(t, events.NoteContentChange, m.Category)
	p := m.Payload.(events.NotePayload)
	assert.Equal(t, a.ID, p.NoteID)
	require.NotNil(t, p.UpdatedAt)
	assert.True(t, saved.UpdatedAt.Equal(*p.UpdatedAt))
	notebookViewer.none()
	bViewer.none()
}

func TestStaleSaveKeepsBackup(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")
	n := owner.note(nb.ID, "Draft")
	path := "/api/notebooks/" + nb.ID.String() + "/notes/" + n.ID.String()

	var first saveResponse
	require.Equal(t, http.StatusOK, owner.do(http.MethodPost, path+"/save",
		saveRequest{Content: "mine", UpdatedAt: n.UpdatedAt}, &first).StatusCode)

	notebookViewer := owner.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	noteViewer := owner.watch(path + "/ws")
	f.waitForClients(2)

	// a second writer still holding the original copy
	var second saveResponse
	require.Equal(t, http.StatusOK, owner.do(http.MethodPost, path+"/save",
		saveRequest{Content: "theirs", UpdatedAt: n.UpdatedAt}, &second).StatusCode)
	assert.True(t, second.Conflict)
	require.NotNil(t, second.BackupID)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	backupName := conflict.BackupName("Draft", first.UpdatedAt)
	m := notebookViewer.next()
	assert.Equal(t, events.NoteCreate, m.Category)
	assert.Equal(t, events.NotePayload{NotebookID: nb.ID, NoteID: *second.BackupID, Name: backupName}, m.Payload)
	notebookViewer.none()

	assert.Equal(t, events.NoteCreate, noteViewer.next().Category)
	assert.Equal(t, events.NoteContentChange, noteViewer.next().Category)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/notebooks/"+nb.ID.String()+"/notes/"+second.BackupID.String()+"/content", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+owner.bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(body))
	assert.NotEmpty(t, resp.Header.Get(UpdatedAtHeader))
}

func TestSaveNeedsUpdatedAt(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")
	n := owner.note(nb.ID, "Draft")
	resp := owner.do(http.MethodPost, "/api/notebooks/"+nb.ID.String()+"/notes/"+n.ID.String()+"/save",
		map[string]string{"content": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownTokenIsRejectedBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/api/notebooks/"+nb.ID.String()+"/ws/deadbeef"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, f.srv.registry.Count())
}

func TestNoAccessLooksLikeMissingAndSpendsToken(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Private")
	strangerID := uuid.New()
	stranger := f.user(strangerID)

	token := stranger.token()
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/api/notebooks/"+nb.ID.String()+"/ws/"+token), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, f.srv.tokens.Check(token))
	assert.Equal(t, http.StatusNotFound, stranger.do(http.MethodGet, "/api/notebooks/"+nb.ID.String()+"/notes", nil, nil).StatusCode)

	// a read share lets them list and watch but not write
	require.Equal(t, http.StatusNoContent, owner.do(http.MethodPut,
		"/api/notebooks/"+nb.ID.String()+"/shares/"+strangerID.String(), shareRequest{}, nil).StatusCode)
	var notes []conflict.Note
	assert.Equal(t, http.StatusOK, stranger.do(http.MethodGet, "/api/notebooks/"+nb.ID.String()+"/notes", nil, &notes).StatusCode)
	assert.Empty(t, notes)
	assert.Equal(t, http.StatusNotFound, stranger.do(http.MethodPost,
		"/api/notebooks/"+nb.ID.String()+"/notes", map[string]string{"name": "x"}, nil).StatusCode)
	stranger.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	f.waitForClients(1)
}

func TestNoteMustBelongToNotebook(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	a := owner.notebook("A")
	b := owner.notebook("B")
	n := owner.note(a.ID, "in A")

	_, resp, err := websocket.DefaultDialer.Dial(
		f.wsURL("/api/notebooks/"+b.ID.String()+"/notes/"+n.ID.String()+"/ws/"+owner.token()), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, owner.do(http.MethodDelete,
		"/api/notebooks/"+b.ID.String()+"/notes/"+n.ID.String(), nil, nil).StatusCode)
}

func TestDisconnectRemovesClientAndToken(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Work")

	v := owner.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	f.waitForClients(1)
	assert.Equal(t, 1, f.srv.tokens.Len())

	v.close()
	f.waitForClients(0)
	assert.Eventually(t, func() bool { return f.srv.tokens.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.srv.registry.Rooms())
}

func TestGlobalRoomIsForAdmins(t *testing.T) {
	f := newFixture(t)
	admin := f.user(f.admin)
	someone := f.user(uuid.New())

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/api/ws/"+someone.token()), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	global := admin.watch("/api/ws")
	f.waitForClients(1)
	nb := someone.notebook("Fresh")
	m := global.next()
	assert.Equal(t, events.NotebookCreate, m.Category)
	assert.Equal(t, events.NotebookPayload{NotebookID: nb.ID, Name: "Fresh"}, m.Payload)

	assert.Equal(t, http.StatusNotFound, someone.do(http.MethodGet, "/debug/rooms.svg", nil, nil).StatusCode)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/debug/rooms.svg", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin.bearer)
	svg, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer svg.Body.Close()
	assert.Equal(t, http.StatusOK, svg.StatusCode)
	assert.Equal(t, "image/svg+xml", svg.Header.Get("Content-Type"))
}

func TestDeleteNotebookNotifiesItsRooms(t *testing.T) {
	f := newFixture(t)
	owner := f.user(uuid.New())
	nb := owner.notebook("Old")
	v := owner.watch("/api/notebooks/" + nb.ID.String() + "/ws")
	f.waitForClients(1)

	require.Equal(t, http.StatusNoContent, owner.do(http.MethodDelete, "/api/notebooks/"+nb.ID.String(), nil, nil).StatusCode)
	m := v.next()
	assert.Equal(t, events.NotebookRemove, m.Category)
	assert.Equal(t, events.NotebookPayload{NotebookID: nb.ID, Name: "Old"}, m.Payload)
	assert.Equal(t, http.StatusNotFound, owner.do(http.MethodGet, "/api/notebooks/"+nb.ID.String()+"/notes", nil, nil).StatusCode)
}
