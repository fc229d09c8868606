package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-session/internal/domain"
	"chat-session/internal/integrations/chatapi"
)

type fakeRemote struct {
	nextUUIDs []int64
	newErr    error
	updateErr error
	deleteErr error
	delMsgErr error
	clearErr  error

	// before runs inside the remote call, standing in for actions that
	// interleave while the request is in flight.
	before func()

	updates    []chatapi.UpdateConversationRequest
	deletes    []int64
	msgDeletes [][2]int64
	clears     []int64
	creates    int
}

func (f *fakeRemote) hook() {
	if f.before != nil {
		f.before()
	}
}

func (f *fakeRemote) NewConversation(_ context.Context) (int64, error) {
	f.creates++
	f.hook()
	if f.newErr != nil {
		return 0, f.newErr
	}
	id := f.nextUUIDs[0]
	f.nextUUIDs = f.nextUUIDs[1:]
	return id, nil
}

func (f *fakeRemote) UpdateConversation(_ context.Context, req chatapi.UpdateConversationRequest) error {
	f.updates = append(f.updates, req)
	f.hook()
	return f.updateErr
}

func (f *fakeRemote) DeleteConversation(_ context.Context, uuid int64) error {
	f.deletes = append(f.deletes, uuid)
	f.hook()
	return f.deleteErr
}

func (f *fakeRemote) DeleteMessage(_ context.Context, uuid, messageID int64) error {
	f.msgDeletes = append(f.msgDeletes, [2]int64{uuid, messageID})
	f.hook()
	return f.delMsgErr
}

func (f *fakeRemote) ClearConversation(_ context.Context, uuid int64) error {
	f.clears = append(f.clears, uuid)
	f.hook()
	return f.clearErr
}

type fakePersister struct {
	loaded  domain.SessionState
	loadErr error
	saveErr error
	saves   []domain.SessionState
}

func (f *fakePersister) Load(_ context.Context) (domain.SessionState, error) {
	return f.loaded, f.loadErr
}

func (f *fakePersister) Save(_ context.Context, st domain.SessionState) error {
	f.saves = append(f.saves, st)
	return f.saveErr
}

type recordingNav struct {
	targets []*int64
}

func (r *recordingNav) GoToConversation(uuid *int64) {
	r.targets = append(r.targets, uuid)
}

func (r *recordingNav) last() *int64 {
	if len(r.targets) == 0 {
		return nil
	}
	return r.targets[len(r.targets)-1]
}

type fixture struct {
	store     *ConversationStore
	remote    *fakeRemote
	persister *fakePersister
	nav       *recordingNav
}

func newFixture(t *testing.T, uuids ...int64) *fixture {
	t.Helper()
	f := &fixture{
		remote:    &fakeRemote{nextUUIDs: uuids},
		persister: &fakePersister{},
		nav:       &recordingNav{},
	}
	s, err := NewConversationStore(f.remote, f.persister, f.nav,
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }))
	require.NoError(t, err)
	f.store = s
	return f
}

func (f *fixture) create(t *testing.T, title string) int64 {
	t.Helper()
	meta, err := f.store.CreateConversation(context.Background(), domain.ConversationMeta{Title: title}, nil)
	require.NoError(t, err)
	return meta.UUID
}

func ptr[T any](v T) *T { return &v }

func requireLockStep(t *testing.T, st domain.SessionState) {
	t.Helper()
	require.Len(t, st.Chat, len(st.History))
	for i := range st.History {
		require.Equal(t, st.History[i].UUID, st.Chat[i].UUID, "index %d", i)
	}
	if len(st.History) == 0 {
		require.Nil(t, st.Active)
	}
}

func TestNewConversationStore_Validation(t *testing.T) {
	_, err := NewConversationStore(nil, &fakePersister{}, nil)
	require.ErrorContains(t, err, "remote")
	_, err = NewConversationStore(&fakeRemote{}, nil, nil)
	require.ErrorContains(t, err, "persister")

	s, err := NewConversationStore(&fakeRemote{nextUUIDs: []int64{1}}, &fakePersister{}, nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(context.Background(), domain.ConversationMeta{Title: "x"}, nil)
	require.NoError(t, err)
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	f.persister.loaded = domain.SessionState{
		Active:  ptr(int64(5)),
		History: []domain.ConversationMeta{{Title: "a", UUID: 5}},
		Chat:    []domain.ConversationMessages{{UUID: 5}},
	}
	require.NoError(t, f.store.Load(context.Background()))
	st := f.store.State()
	require.Equal(t, int64(5), *st.Active)
	require.NotNil(t, st.Chat[0].Data)

	f.persister.loadErr = errors.New("unavailable")
	require.ErrorContains(t, f.store.Load(context.Background()), "unavailable")
	require.Equal(t, int64(5), *f.store.State().Active)
}

func TestScenario_CreateAppendDelete(t *testing.T) {
	f := newFixture(t, 42)
	ctx := context.Background()

	meta, err := f.store.CreateConversation(ctx, domain.ConversationMeta{Title: domain.DefaultTitle, UUID: 0}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(42), meta.UUID)

	st := f.store.State()
	require.Equal(t, []domain.ConversationMeta{{Title: domain.DefaultTitle, UUID: 42}}, st.History)
	require.Equal(t, []domain.ConversationMessages{{UUID: 42, Data: []domain.Message{}}}, st.Chat)
	require.Equal(t, int64(42), *st.Active)
	require.Equal(t, int64(42), *f.nav.last())

	slot, ok := f.store.AppendMessage(ctx, Explicit(42), domain.Message{ID: 1, Text: "hello"})
	require.True(t, ok)
	require.Equal(t, MessageSlot{UUID: 42, Index: 0}, slot)
	st = f.store.State()
	require.Equal(t, []domain.Message{{ID: 1, Text: "hello"}}, st.Chat[0].Data)
	require.Equal(t, "hello", st.History[0].Title)

	require.NoError(t, f.store.DeleteConversation(ctx, 42))
	st = f.store.State()
	require.Empty(t, st.History)
	require.Empty(t, st.Chat)
	require.Nil(t, st.Active)
	require.Nil(t, f.nav.last())
	require.Equal(t, []int64{42}, f.remote.deletes)
}

func TestCreateConversation_PrependsAndActivates(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.create(t, "a")
	f.create(t, "b")
	initial := []domain.Message{{ID: 9, Text: "seed"}}
	meta, err := f.store.CreateConversation(context.Background(), domain.ConversationMeta{Title: "c", Local: true}, initial)
	require.NoError(t, err)
	require.False(t, meta.Local)

	st := f.store.State()
	requireLockStep(t, st)
	require.Equal(t, []int64{3, 2, 1}, []int64{st.History[0].UUID, st.History[1].UUID, st.History[2].UUID})
	require.Equal(t, int64(3), *st.Active)
	require.Equal(t, initial, st.Chat[0].Data)
	require.Len(t, f.persister.saves, 3)
}

func TestCreateConversation_RemoteFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	rejection := &chatapi.RemoteError{Endpoint: "/new-conversation", Status: "Fail", Body: `{"status":"Fail"}`}
	f.remote.newErr = rejection

	_, err := f.store.CreateConversation(context.Background(), domain.ConversationMeta{Title: "x"}, nil)
	var remoteErr *chatapi.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, `{"status":"Fail"}`, remoteErr.Body)

	require.Equal(t, domain.DefaultSessionState(), f.store.State())
	require.Empty(t, f.persister.saves)
	require.Empty(t, f.nav.targets)
}

func TestDeleteConversation_TieBreak(t *testing.T) {
	cases := []struct {
		name       string
		deleteUUID int64
		wantActive int64
		wantOrder  []int64
	}{
		// Creation prepends, so history order is [3, 2, 1].
		{name: "first of three activates new first", deleteUUID: 3, wantActive: 2, wantOrder: []int64{2, 1}},
		{name: "last of three activates new last", deleteUUID: 1, wantActive: 2, wantOrder: []int64{3, 2}},
		{name: "middle activates previous", deleteUUID: 2, wantActive: 3, wantOrder: []int64{3, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1, 2, 3)
			f.create(t, "a")
			f.create(t, "b")
			f.create(t, "c")

			require.NoError(t, f.store.DeleteConversation(context.Background(), tc.deleteUUID))
			st := f.store.State()
			requireLockStep(t, st)
			require.Equal(t, tc.wantOrder, []int64{st.History[0].UUID, st.History[1].UUID})
			require.Equal(t, tc.wantActive, *st.Active)
			require.Equal(t, tc.wantActive, *f.nav.last())
		})
	}
}

func TestDeleteConversation_OnlyRemainingClearsActive(t *testing.T) {
	f := newFixture(t, 7)
	f.create(t, "only")
	require.NoError(t, f.store.DeleteConversation(context.Background(), 7))
	st := f.store.State()
	require.Nil(t, st.Active)
	require.Nil(t, f.nav.last())
	require.Len(t, f.nav.targets, 2)
}

func TestDeleteConversation_RemoteFailure(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.create(t, "a")
	f.create(t, "b")
	before := f.store.State()
	saves := len(f.persister.saves)
	f.remote.deleteErr = errors.New("connection reset")

	err := f.store.DeleteConversation(context.Background(), 1)
	require.ErrorContains(t, err, "connection reset")
	require.Equal(t, before, f.store.State())
	require.Len(t, f.persister.saves, saves)
}

func TestDeleteConversation_UnknownUUIDIsNoop(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.create(t, "a")
	f.create(t, "b")
	before := f.store.State()

	require.NoError(t, f.store.DeleteConversation(context.Background(), 99))
	require.Equal(t, before, f.store.State())
	require.Equal(t, []int64{99}, f.remote.deletes)
}

func TestDeleteConversation_VanishedWhileInFlight(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.create(t, "a")
	f.create(t, "b")
	f.remote.before = func() {
		f.store.RestoreState(context.Background(), domain.SessionState{
			History: []domain.ConversationMeta{{Title: "b", UUID: 2}},
			Chat:    []domain.ConversationMessages{{UUID: 2}},
			Active:  ptr(int64(2)),
		})
	}

	require.NoError(t, f.store.DeleteConversation(context.Background(), 1))
	st := f.store.State()
	requireLockStep(t, st)
	require.Len(t, st.History, 1)
	require.Equal(t, int64(2), *st.Active)
}

func TestLockStep_RandomishSequence(t *testing.T) {
	f := newFixture(t, 10, 20, 30, 40, 50)
	ctx := context.Background()
	f.create(t, "a")
	f.create(t, "b")
	require.NoError(t, f.store.DeleteConversation(ctx, 10))
	requireLockStep(t, f.store.State())
	f.create(t, "c")
	f.create(t, "d")
	require.NoError(t, f.store.DeleteConversation(ctx, 30))
	requireLockStep(t, f.store.State())
	f.create(t, "e")
	for _, id := range []int64{50, 20, 40} {
		require.NoError(t, f.store.DeleteConversation(ctx, id))
		requireLockStep(t, f.store.State())
	}
	require.Nil(t, f.store.State().Active)
}

func TestUpdateConversation_LocalRename(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "old")
	saves := len(f.persister.saves)

	require.NoError(t, f.store.UpdateConversation(context.Background(), 1, domain.MetaPatch{Title: ptr("new")}))
	require.Empty(t, f.remote.updates)
	require.Equal(t, "new", f.store.State().History[0].Title)
	require.Len(t, f.persister.saves, saves+1)
}

func TestUpdateConversation_EditTransitionsAreConfirmed(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "old")
	ctx := context.Background()

	require.NoError(t, f.store.UpdateConversation(ctx, 1, domain.MetaPatch{IsEdit: ptr(true)}))
	require.Len(t, f.remote.updates, 1)
	require.Equal(t, int64(1), f.remote.updates[0].UUID)
	require.True(t, *f.remote.updates[0].IsEdit)
	require.Equal(t, "old", *f.remote.updates[0].Title)
	require.True(t, f.store.State().History[0].IsEdit)

	require.NoError(t, f.store.UpdateConversation(ctx, 1, domain.MetaPatch{Title: ptr("renamed"), IsEdit: ptr(false)}))
	require.Len(t, f.remote.updates, 2)
	require.Equal(t, "renamed", *f.remote.updates[1].Title)
	require.False(t, *f.remote.updates[1].IsEdit)
	require.Equal(t, domain.ConversationMeta{Title: "renamed", UUID: 1}, f.store.State().History[0])
}

func TestUpdateConversation_RemoteFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "old")
	f.remote.updateErr = &chatapi.RemoteError{Status: "Fail"}

	err := f.store.UpdateConversation(context.Background(), 1, domain.MetaPatch{IsEdit: ptr(true)})
	var remoteErr *chatapi.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.False(t, f.store.State().History[0].IsEdit)
}

func TestUpdateConversation_UnknownUUID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpdateConversation(context.Background(), 5, domain.MetaPatch{IsEdit: ptr(true)}))
	require.Empty(t, f.remote.updates)
	require.Empty(t, f.persister.saves)
}

func TestSetActive_DoesNotValidate(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "a")
	f.store.SetActive(context.Background(), 77)
	require.Equal(t, int64(77), *f.store.State().Active)
	require.Equal(t, int64(77), *f.nav.last())
	_, ok := f.store.ActiveHistory()
	require.False(t, ok)
}

func TestGetters(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.create(t, "a")
	f.create(t, "b")
	f.store.AppendMessage(ctx, Explicit(1), domain.Message{ID: 1, Text: "in a"})

	active, ok := f.store.ActiveHistory()
	require.True(t, ok)
	require.Equal(t, int64(2), active.UUID)
	require.Empty(t, f.store.ActiveMessages())
	require.Len(t, f.store.Messages(1), 1)
	require.Empty(t, f.store.Messages(99))

	f.store.SetActive(ctx, 1)
	msgs := f.store.ActiveMessages()
	require.Equal(t, "in a", msgs[0].Text)

	msgs[0].Text = "mutated copy"
	require.Equal(t, "in a", f.store.Messages(1)[0].Text)
}

func TestRestoreState_ReplacesWholesale(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "a")
	snapshot := domain.SessionState{
		Active:  ptr(int64(9)),
		History: []domain.ConversationMeta{{Title: "imported", UUID: 9}},
		Chat:    []domain.ConversationMessages{{UUID: 9, Data: []domain.Message{{ID: 3, Text: "x"}}}},
	}
	f.store.RestoreState(context.Background(), snapshot)

	require.Equal(t, snapshot, f.store.State())
	require.Equal(t, snapshot, f.persister.saves[len(f.persister.saves)-1])

	snapshot.Chat[0].Data[0].Text = "caller mutation"
	require.Equal(t, "x", f.store.State().Chat[0].Data[0].Text)
}

func TestPersistFailureIsNotPropagated(t *testing.T) {
	f := newFixture(t, 1)
	f.persister.saveErr = errors.New("disk full")
	meta, err := f.store.CreateConversation(context.Background(), domain.ConversationMeta{Title: "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.UUID)
	require.Len(t, f.store.State().History, 1)
}
