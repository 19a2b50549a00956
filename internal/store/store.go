package store

import (
	"errors"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForeignOwner = errors.New("entity belongs to another user")
)

// Store is the authoritative in-memory state. Every versioned write goes
// through state.Commit under mu, so a field version and its entity seq
// always move together.
type Store struct {
	mu sync.RWMutex

	machinesStateFile string
	persistMu         sync.Mutex

	accountsByPublicKey map[string]model.Account
	publicKeyByUserID   map[string]string
	authRequestsByKey   map[string]model.AuthRequest

	sessionsByID       map[string]model.Session
	sessionIDByUserTag map[string]string // userID + "|" + tag -> sessionID

	machinesByID map[string]model.Machine

	pushTokensByKey map[string]model.PushToken // userID + "|" + token

	messages *messageStore
}

func New() *Store {
	return NewWithOptions(Options{})
}

type Options struct {
	MachinesStateFile string
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		accountsByPublicKey: make(map[string]model.Account),
		publicKeyByUserID:   make(map[string]string),
		authRequestsByKey:   make(map[string]model.AuthRequest),
		sessionsByID:        make(map[string]model.Session),
		sessionIDByUserTag:  make(map[string]string),
		machinesByID:        make(map[string]model.Machine),
		pushTokensByKey:     make(map[string]model.PushToken),
		messages:            newMessageStore(),
		machinesStateFile:   opts.MachinesStateFile,
	}

	if s.machinesStateFile != "" {
		if err := s.loadMachinesFromFile(s.machinesStateFile); err != nil {
			glog.Warningf("machines persistence: load failed (%s): %v", s.machinesStateFile, err)
		}
	}

	return s
}

func (s *Store) GetOrCreateAccount(publicKey string, nowMillis int64) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accountsByPublicKey[publicKey]; ok {
		return existing, false
	}

	acc := model.Account{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		CreatedAt: nowMillis,
	}
	s.accountsByPublicKey[publicKey] = acc
	s.publicKeyByUserID[acc.ID] = publicKey
	return acc, true
}

// GetAccount returns the account for userID. Accounts are created lazily at
// first authentication, so a valid token for an unknown user yields a zero
// account with the right id.
func (s *Store) GetAccount(userID string) model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountLocked(userID)
}

func (s *Store) accountLocked(userID string) model.Account {
	if pk, ok := s.publicKeyByUserID[userID]; ok {
		return s.accountsByPublicKey[pk]
	}
	return model.Account{ID: userID}
}

// UpdateAccountSettings applies a versioned settings write. On a stale
// expected version the error is a *state.Conflict carrying the current
// settings.
func (s *Store) UpdateAccountSettings(userID string, w state.Write) (model.Account, error) {
	if userID == "" {
		return model.Account{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accountLocked(userID)
	if err := state.Commit(&acc.Settings, &acc.Seq, false, w); err != nil {
		return acc, err
	}
	pk, ok := s.publicKeyByUserID[userID]
	if !ok {
		// token minted elsewhere for an account this process never saw
		pk = "user:" + userID
		s.publicKeyByUserID[userID] = pk
	}
	s.accountsByPublicKey[pk] = acc
	return acc, nil
}

func (s *Store) GetAuthRequest(publicKey string) (model.AuthRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequestsByKey[publicKey]
	return req, ok
}

func (s *Store) UpsertAuthRequest(publicKey string, supportsV2 bool, nowMillis int64) model.AuthRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.authRequestsByKey[publicKey]; ok {
		existing.SupportsV2 = existing.SupportsV2 || supportsV2
		existing.UpdatedAt = nowMillis
		s.authRequestsByKey[publicKey] = existing
		return existing
	}

	req := model.AuthRequest{
		ID:         uuid.NewString(),
		PublicKey:  publicKey,
		SupportsV2: supportsV2,
		CreatedAt:  nowMillis,
		UpdatedAt:  nowMillis,
	}
	s.authRequestsByKey[publicKey] = req
	return req
}

func (s *Store) AuthorizeAuthRequest(publicKey, response, responseAccountID, token string, nowMillis int64) (model.AuthRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequestsByKey[publicKey]
	if !ok {
		return model.AuthRequest{}, false
	}
	req.Response = response
	req.ResponseAccountID = responseAccountID
	req.Token = token
	req.UpdatedAt = nowMillis
	s.authRequestsByKey[publicKey] = req
	return req, true
}

// Snapshot returns the authoritative state of one entity owned by userID,
// including deleted sessions so a resyncing client learns about the delete.
func (s *Store) Snapshot(userID string, key state.Key) (*state.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := state.NewEntity(key)
	switch key.Kind {
	case state.KindSession:
		sess, ok := s.sessionsByID[key.ID]
		if !ok || sess.UserID != userID {
			return nil, ErrNotFound
		}
		e.Seq = sess.Seq
		e.Deleted = sess.Deleted
		e.Active = sess.Active
		e.ActiveAt = sess.ActiveAt
		e.Fields[model.FieldMetadata] = sess.Metadata
		e.Fields[model.FieldAgentState] = sess.AgentState
	case state.KindMachine:
		m, ok := s.machinesByID[key.ID]
		if !ok || m.UserID != userID {
			return nil, ErrNotFound
		}
		e.Seq = m.Seq
		e.Active = m.Active
		e.ActiveAt = m.ActiveAt
		e.Fields[model.FieldMetadata] = m.Metadata
		e.Fields[model.FieldDaemonState] = m.DaemonState
	case state.KindAccount:
		if key.ID != userID {
			return nil, ErrNotFound
		}
		acc := s.accountLocked(userID)
		e.Seq = acc.Seq
		e.Fields[model.FieldSettings] = acc.Settings
	default:
		return nil, ErrNotFound
	}
	return e, nil
}
