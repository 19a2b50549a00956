package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

func strp(s string) *string { return &s }

func TestStore_SessionCRUD(t *testing.T) {
	s := New()
	now := int64(1000)

	sess, created, err := s.GetOrCreateSession("u1", "tag1", strp("m1"), nil, nil, now)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if !created {
		t.Fatalf("expected created")
	}
	if sess.Tag != "tag1" {
		t.Fatalf("expected tag1, got %q", sess.Tag)
	}
	if sess.Seq != 1 || sess.Metadata.Version != 1 || sess.AgentState.Version != 0 {
		t.Fatalf("unexpected initial state: %+v", sess)
	}

	again, created, err := s.GetOrCreateSession("u1", "tag1", strp("other"), nil, nil, now)
	if err != nil || created || again.ID != sess.ID {
		t.Fatalf("expected existing session, got created=%v err=%v", created, err)
	}

	list := s.ListSessions("u1")
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}

	deleted, err := s.DeleteSession("u1", sess.ID, now+1)
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if deleted.Seq != 2 {
		t.Fatalf("expected delete to advance seq to 2, got %d", deleted.Seq)
	}
	list = s.ListSessions("u1")
	if len(list) != 0 {
		t.Fatalf("expected 0 sessions, got %d", len(list))
	}
}

func TestStore_DeletedSessionIsGone(t *testing.T) {
	s := New()
	sess, _, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 1)
	require.NoError(t, err)
	_, err = s.DeleteSession("u1", sess.ID, 2)
	require.NoError(t, err)

	_, err = s.UpdateSessionMetadata("u1", sess.ID, state.Write{ExpectedVersion: 0, Value: strp("x")}, 3)
	assert.ErrorIs(t, err, state.ErrEntityGone)

	_, _, err = s.AppendMessage("u1", sess.ID, "c", nil, 3)
	assert.ErrorIs(t, err, state.ErrEntityGone)

	_, err = s.DeleteSession("u1", sess.ID, 3)
	assert.ErrorIs(t, err, state.ErrEntityGone)

	snap, err := s.Snapshot("u1", state.Key{Kind: state.KindSession, ID: sess.ID})
	require.NoError(t, err)
	assert.True(t, snap.Deleted)
	assert.Equal(t, int64(2), snap.Seq)

	// the tag is free again
	fresh, created, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 4)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestStore_VersionedWritesAdvanceSeq(t *testing.T) {
	s := New()
	sess, _, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 1)
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		sess, err = s.UpdateSessionMetadata("u1", sess.ID, state.Write{ExpectedVersion: i, Value: strp("v")}, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), sess.Metadata.Version)
	assert.Equal(t, int64(4), sess.Seq)

	before := sess
	_, err = s.UpdateSessionAgentState("u1", sess.ID, state.Write{ExpectedVersion: 5, Value: nil}, 3)
	var conflict *state.Conflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.Current.Version)

	after, ok := s.GetSession("u1", sess.ID)
	require.True(t, ok)
	assert.Equal(t, before.Seq, after.Seq)
	assert.Equal(t, before.AgentState, after.AgentState)

	// clearing is a real write
	after, err = s.UpdateSessionAgentState("u1", sess.ID, state.Write{ExpectedVersion: 0, Value: nil}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.AgentState.Version)
	assert.Nil(t, after.AgentState.Value)
	assert.Equal(t, int64(5), after.Seq)
}

func TestStore_WrongUserIsNotFound(t *testing.T) {
	s := New()
	sess, _, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 1)
	require.NoError(t, err)

	_, err = s.UpdateSessionMetadata("u2", sess.ID, state.Write{}, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Snapshot("u2", state.Key{Kind: state.KindSession, ID: sess.ID})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Snapshot("u1", state.Key{Kind: state.KindAccount, ID: "u2"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Messages(t *testing.T) {
	s := New()
	now := int64(1000)
	sess, _, err := s.GetOrCreateSession("u1", "tag1", strp("m1"), nil, nil, now)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	msg1, _, err := s.AppendMessage("u1", sess.ID, "c1", nil, now)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msg2, _, err := s.AppendMessage("u1", sess.ID, "c2", nil, now)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg1.Seq != 2 || msg2.Seq != 3 {
		t.Fatalf("expected message seqs 2 and 3, got %d and %d", msg1.Seq, msg2.Seq)
	}

	msgs, err := s.ListMessages("u1", sess.ID, msg1.Seq, 100)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 msg after, got %d", len(msgs))
	}
}

func TestStore_MessageLocalIDIsIdempotent(t *testing.T) {
	s := New()
	sess, _, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 1)
	require.NoError(t, err)

	first, created, err := s.AppendMessage("u1", sess.ID, "c", strp("local-1"), 2)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.AppendMessage("u1", sess.ID, "c", strp("local-1"), 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	cur, _ := s.GetSession("u1", sess.ID)
	assert.Equal(t, first.Seq, cur.Seq)
}

func TestStore_AuthRequestAuthorize(t *testing.T) {
	s := New()
	now := int64(1000)
	s.UpsertAuthRequest("pk", true, now)
	_, ok := s.GetAuthRequest("pk")
	if !ok {
		t.Fatalf("expected auth request")
	}
	_, ok = s.AuthorizeAuthRequest("pk", "resp", "acct", "tok", now+1)
	if !ok {
		t.Fatalf("expected authorize ok")
	}
	req, _ := s.GetAuthRequest("pk")
	if req.Response != "resp" || req.Token != "tok" {
		t.Fatalf("unexpected request state")
	}
}

func TestStore_AccountSettings(t *testing.T) {
	s := New()
	acc, _ := s.GetOrCreateAccount("pk", 1)

	updated, err := s.UpdateAccountSettings(acc.ID, state.Write{ExpectedVersion: 0, Value: strp("{}")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Settings.Version)
	assert.Equal(t, int64(1), updated.Seq)

	_, err = s.UpdateAccountSettings(acc.ID, state.Write{ExpectedVersion: 0, Value: strp("x")})
	cur, ok := state.ConflictCurrent(err)
	require.True(t, ok)
	assert.Equal(t, "{}", cur.StringValue())

	got := s.GetAccount(acc.ID)
	assert.Equal(t, "pk", got.PublicKey)
	assert.Equal(t, model.Versioned(1, "{}"), got.Settings)
}

func TestStore_MachineOwnership(t *testing.T) {
	s := New()
	now := int64(1000)
	_, _, err := s.UpsertMachine("u1", "m1", strp("meta"), nil, nil, now)
	if err != nil {
		t.Fatalf("UpsertMachine: %v", err)
	}
	_, _, err = s.UpsertMachine("u2", "m1", strp("meta"), nil, nil, now)
	if !errors.Is(err, ErrForeignOwner) {
		t.Fatalf("expected ErrForeignOwner, got %v", err)
	}
}

func TestStore_PushTokens(t *testing.T) {
	s := New()
	_, created := s.UpsertPushToken("u1", "tok", 1)
	assert.True(t, created)
	pt, created := s.UpsertPushToken("u1", "tok", 2)
	assert.False(t, created)
	assert.Equal(t, int64(2), pt.UpdatedAt)

	s.UpsertPushToken("u2", "tok", 3)
	assert.Len(t, s.ListPushTokens("u1"), 1)

	assert.True(t, s.DeletePushToken("u1", "tok"))
	assert.False(t, s.DeletePushToken("u1", "tok"))
	assert.Empty(t, s.ListPushTokens("u1"))
	assert.Len(t, s.ListPushTokens("u2"), 1)
}

func TestStore_ExpireInactive(t *testing.T) {
	s := New()
	sess, _, err := s.GetOrCreateSession("u1", "t", nil, nil, nil, 1)
	require.NoError(t, err)
	_, _, err = s.UpsertMachine("u1", "m1", nil, nil, nil, 1)
	require.NoError(t, err)

	s.SetSessionActive("u1", sess.ID, true, 100, 100)
	s.SetMachineActive("u1", "m1", true, 500, 500)

	exp := s.ExpireInactive(200)
	require.Len(t, exp.Sessions, 1)
	assert.Empty(t, exp.Machines)
	assert.False(t, exp.Sessions[0].Active)
	assert.Equal(t, int64(1), exp.Sessions[0].Seq)

	exp = s.ExpireInactive(200)
	assert.Empty(t, exp.Sessions)
}
