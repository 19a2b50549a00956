package handler

import (
	"context"

	"github.com/golang/glog"
	"happy-sync/internal/feed"
	"happy-sync/internal/protocol"
)

// Emitter pushes realtime events to a user's live connections.
type Emitter interface {
	EmitUpdate(userID string, body protocol.PersistentBody, seq int64)
	EmitEphemeral(userID string, body protocol.EphemeralBody)
}

type nopEmitter struct{}

func (nopEmitter) EmitUpdate(string, protocol.PersistentBody, int64) {}
func (nopEmitter) EmitEphemeral(string, protocol.EphemeralBody)      {}

func emitterOr(e Emitter) Emitter {
	if e == nil {
		return nopEmitter{}
	}
	return e
}

// appendFeed records a feed item. Feed failures never fail the request that
// caused them.
func appendFeed(ctx context.Context, pager *feed.Pager, userID string, body feed.Body, repeatKey *string) {
	if pager == nil {
		return
	}
	if _, err := pager.Append(ctx, userID, body, repeatKey); err != nil {
		glog.Warningf("feed append %s for %s failed: %v", body.Kind, userID, err)
	}
}
