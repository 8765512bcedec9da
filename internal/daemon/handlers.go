package daemon

import (
	"context"
	"time"

	"github.com/dmarkelov/vkgrab/internal/chats"
	"github.com/dmarkelov/vkgrab/internal/dispatch"
	"github.com/dmarkelov/vkgrab/internal/users"
	"github.com/dmarkelov/vkgrab/internal/wire"
	"go.uber.org/zap"
)

// registerHandlers wires the default event handlers: message ingestion,
// flag changes, and presence cache touches.
func registerHandlers(d *dispatch.Dispatcher, manager *chats.Manager, resolver *users.Resolver, logger *zap.Logger) {
	d.Register(wire.TypeNewMessage, dispatch.Handler{
		Name: "message",
		Fn:   messageHandler(manager),
	})
	d.Register(wire.TypeFlagsReplace, dispatch.Handler{
		Name: "flags_replace",
		Fn:   flagsReplaceHandler(manager),
	})
	d.Register(wire.TypeFlagsSet, dispatch.Handler{
		Name: "flags_set",
		Fn:   flagsChangeHandler(manager, true),
	})
	d.Register(wire.TypeFlagsReset, dispatch.Handler{
		Name: "flags_reset",
		Fn:   flagsChangeHandler(manager, false),
	})
	d.Register(wire.TypeFriendOnline, dispatch.Handler{
		Name: "presence_online",
		Fn:   presenceHandler(resolver, logger),
	})
	d.Register(wire.TypeFriendOffline, dispatch.Handler{
		Name: "presence_offline",
		Fn:   presenceHandler(resolver, logger),
	})
}

func messageHandler(manager *chats.Manager) dispatch.HandlerFunc {
	return func(ctx context.Context, ev wire.RawEvent) error {
		msg, err := wire.ParseMessage(ev)
		if err != nil {
			return err
		}
		return manager.AppendMessage(ctx, msg.PeerID, msg)
	}
}

// Flag events carry [type, message_id, mask, peer_id].
const (
	posFlagMessageID = 1
	posFlagMask      = 2
	posFlagPeerID    = 3
	minFlagFields    = posFlagPeerID + 1
)

func flagEventFields(ev wire.RawEvent) (messageID, peerID int64, mask int, err error) {
	if len(ev) < minFlagFields {
		return 0, 0, 0, &wire.MalformedEventError{Reason: "flag event has too few fields", Event: ev}
	}
	messageID, ok := ev.Int64(posFlagMessageID)
	if !ok {
		return 0, 0, 0, &wire.MalformedEventError{Reason: "flag event message id is not a number", Event: ev}
	}
	m, ok := ev.Int64(posFlagMask)
	if !ok {
		return 0, 0, 0, &wire.MalformedEventError{Reason: "flag event mask is not a number", Event: ev}
	}
	peerID, ok = ev.Int64(posFlagPeerID)
	if !ok {
		return 0, 0, 0, &wire.MalformedEventError{Reason: "flag event peer id is not a number", Event: ev}
	}
	return messageID, peerID, int(m), nil
}

func flagsReplaceHandler(manager *chats.Manager) dispatch.HandlerFunc {
	return func(ctx context.Context, ev wire.RawEvent) error {
		messageID, peerID, mask, err := flagEventFields(ev)
		if err != nil {
			return err
		}
		return manager.ReplaceFlags(ctx, peerID, messageID, mask)
	}
}

func flagsChangeHandler(manager *chats.Manager, set bool) dispatch.HandlerFunc {
	return func(ctx context.Context, ev wire.RawEvent) error {
		messageID, peerID, mask, err := flagEventFields(ev)
		if err != nil {
			return err
		}
		return manager.UpdateFlags(ctx, peerID, messageID, mask, set)
	}
}

// Presence events carry [type, -user_id]. The cache touch is best effort
// and never fails the dispatch.
func presenceHandler(resolver *users.Resolver, logger *zap.Logger) dispatch.HandlerFunc {
	return func(_ context.Context, ev wire.RawEvent) error {
		if len(ev) < 2 {
			return nil
		}
		id, ok := ev.Int64(1)
		if !ok {
			return nil
		}
		if id < 0 {
			id = -id
		}
		resolver.Touch(id, time.Now().Unix())
		logger.Debug("presence update", zap.Int64("user_id", id))
		return nil
	}
}
