// Package push registers device push tokens with the server once the
// device holds credentials.
package push

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/golang/glog"
	"happy-sync/internal/client/api"
	"happy-sync/internal/retry"
)

// ErrDeferred means the token was remembered and will be registered by the
// next Flush after pairing.
var ErrDeferred = errors.New("push token registration deferred until credentials exist")

type Credentials interface {
	HasStoredCredentials() bool
}

type Client interface {
	RegisterPushToken(ctx context.Context, token string) error
}

type Registrar struct {
	ctx    context.Context
	client Client
	creds  Credentials
	coord  *retry.Coordinator
	policy retry.Policy

	// OnDone, when set, observes the end of every registration cycle.
	OnDone func(token string, err error)

	mu       sync.Mutex
	deferred map[string]struct{}
}

func NewRegistrar(ctx context.Context, client Client, creds Credentials, coord *retry.Coordinator) *Registrar {
	if coord == nil {
		coord = retry.NewCoordinator()
	}
	return &Registrar{
		ctx:      ctx,
		client:   client,
		creds:    creds,
		coord:    coord,
		policy:   retry.RegistrationPolicy,
		deferred: make(map[string]struct{}),
	}
}

// WithPolicy replaces the backoff policy used for new cycles.
func (r *Registrar) WithPolicy(p retry.Policy) *Registrar {
	r.policy = p
	return r
}

func cycleKey(token string) string {
	return "push-token:" + token
}

// Register starts a background registration cycle for token. A call for a
// token whose cycle is still running joins that cycle.
func (r *Registrar) Register(token string) error {
	if token == "" {
		return errors.New("empty push token")
	}
	if !r.creds.HasStoredCredentials() {
		r.mu.Lock()
		r.deferred[token] = struct{}{}
		r.mu.Unlock()
		glog.V(2).Infof("push: deferring registration until paired")
		return ErrDeferred
	}
	r.start(token)
	return nil
}

// Flush starts cycles for every deferred token and returns how many were
// started. It does nothing while the device is still unpaired.
func (r *Registrar) Flush() int {
	if !r.creds.HasStoredCredentials() {
		return 0
	}
	r.mu.Lock()
	tokens := make([]string, 0, len(r.deferred))
	for token := range r.deferred {
		tokens = append(tokens, token)
	}
	clear(r.deferred)
	r.mu.Unlock()

	sort.Strings(tokens)
	for _, token := range tokens {
		r.start(token)
	}
	return len(tokens)
}

// Pending reports whether token is either deferred or mid-cycle.
func (r *Registrar) Pending(token string) bool {
	r.mu.Lock()
	_, ok := r.deferred[token]
	r.mu.Unlock()
	return ok || r.coord.InFlight(cycleKey(token))
}

func (r *Registrar) start(token string) {
	op := func(ctx context.Context, attempt int) error {
		err := r.client.RegisterPushToken(ctx, token)
		var se *api.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return retry.Permanent(err)
		}
		return err
	}
	started := r.coord.Go(r.ctx, cycleKey(token), r.policy, op, func(err error) {
		var ex *retry.ExhaustedError
		switch {
		case errors.As(err, &ex):
			glog.Infof("push: registration gave up after %d attempts: %v", ex.Attempts, ex.Last)
		case err != nil:
			glog.Infof("push: registration failed: %v", err)
		}
		if r.OnDone != nil {
			r.OnDone(token, err)
		}
	})
	if !started {
		glog.V(2).Infof("push: registration already in flight")
	}
}
