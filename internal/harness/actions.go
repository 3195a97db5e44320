package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
)

// actionFunc runs one scenario action with resolved args and returns the
// completion result.
type actionFunc func(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error)

// setupActions are store writes, allowed in setup and flow. In the flow they
// stand in for other parties: the matcher and the counterparty's device.
var setupActions = map[string]actionFunc{
	"insert_wink":    insertWink,
	"insert_match":   insertMatch,
	"insert_message": insertMessage,
}

// flowActions are every action a flow step may invoke.
var flowActions = map[string]actionFunc{
	"insert_wink":     insertWink,
	"insert_match":    insertMatch,
	"insert_message":  insertMessage,
	"sign_in":         signIn,
	"sign_out":        signOut,
	"submit_wink":     submitWink,
	"open_chat":       openChat,
	"send":            send,
	"refresh_chat":    refreshChat,
	"close_chat":      closeChat,
	"acknowledge":     acknowledge,
	"acknowledge_all": acknowledgeAll,
	"disconnect":      disconnect,
	"set_available":   setAvailable,
	"set_storage":     setStorage,
}

func insertWink(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	owner, err := stringArg(args, "owner", true)
	if err != nil {
		return nil, err
	}
	lat, err := floatArg(args, "lat")
	if err != nil {
		return nil, err
	}
	lng, err := floatArg(args, "lng")
	if err != nil {
		return nil, err
	}
	radius, err := intArg(args, "radius")
	if err != nil {
		return nil, err
	}
	w, err := h.store.InsertWink(ctx, model.WinkDraft{
		OwnerID:      owner,
		Lat:          lat,
		Lng:          lng,
		RadiusMeters: radius,
		ObservedAt:   h.clock.Current(),
	})
	if err != nil {
		return nil, err
	}
	h.bind(args, w.ID)
	return map[string]interface{}{"id": w.ID}, nil
}

func insertMatch(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	winkID, err := stringArg(args, "wink", true)
	if err != nil {
		return nil, err
	}
	userA, err := stringArg(args, "user_a", true)
	if err != nil {
		return nil, err
	}
	userB, err := stringArg(args, "user_b", true)
	if err != nil {
		return nil, err
	}
	m, err := h.store.InsertMatch(ctx, model.MatchDraft{WinkID: winkID, UserA: userA, UserB: userB})
	if err != nil {
		return nil, err
	}
	h.bind(args, m.ID)
	return map[string]interface{}{"id": m.ID}, nil
}

func insertMessage(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	matchID, err := stringArg(args, "match", true)
	if err != nil {
		return nil, err
	}
	sender, err := stringArg(args, "sender", true)
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content", true)
	if err != nil {
		return nil, err
	}
	msg, err := h.store.InsertMessage(ctx, model.MessageDraft{
		MatchID:  matchID,
		SenderID: sender,
		Content:  model.NormalizeContent(content),
	})
	if err != nil {
		return nil, err
	}
	h.bind(args, msg.ID)
	return map[string]interface{}{"id": msg.ID}, nil
}

func signIn(_ context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	user, err := stringArg(args, "user", false)
	if err != nil {
		return nil, err
	}
	return nil, h.engine.SignIn(user)
}

func signOut(_ context.Context, h *Harness, _ map[string]interface{}) (map[string]interface{}, error) {
	h.engine.SignOut()
	return nil, nil
}

func submitWink(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	owner, err := stringArg(args, "owner", false)
	if err != nil {
		return nil, err
	}
	lat, err := floatArg(args, "lat")
	if err != nil {
		return nil, err
	}
	lng, err := floatArg(args, "lng")
	if err != nil {
		return nil, err
	}
	radius, err := intArg(args, "radius")
	if err != nil {
		return nil, err
	}
	offset, err := intArg(args, "minute_offset")
	if err != nil {
		return nil, err
	}

	w, err := h.engine.SubmitWink(ctx, engine.WinkInput{
		OwnerID:      owner,
		Lat:          lat,
		Lng:          lng,
		RadiusMeters: radius,
		MinuteOffset: offset,
	})
	if err != nil {
		return nil, err
	}
	h.bind(args, w.ID)
	return map[string]interface{}{
		"id":          w.ID,
		"observed_at": w.ObservedAt.UTC().Format(time.RFC3339),
	}, nil
}

// openChat waits for the initial transcript so the result is deterministic.
func openChat(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	matchID, err := stringArg(args, "match", true)
	if err != nil {
		return nil, err
	}
	s, err := h.engine.OpenChat(ctx, matchID)
	if s == nil {
		return nil, err
	}
	h.sessions[matchID] = s

	select {
	case <-s.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]interface{}{
		"state":    string(s.State()),
		"messages": len(s.Transcript()),
	}, err
}

func send(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	s, err := h.session(args)
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content", false)
	if err != nil {
		return nil, err
	}
	msg, err := s.Send(ctx, content)
	if err != nil {
		return nil, err
	}
	h.bind(args, msg.ID)
	return map[string]interface{}{"id": msg.ID}, nil
}

func refreshChat(ctx context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	s, err := h.session(args)
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"state":    string(s.State()),
		"messages": len(s.Transcript()),
	}, nil
}

func closeChat(_ context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	s, err := h.session(args)
	if err != nil {
		return nil, err
	}
	s.Close()
	return nil, nil
}

func acknowledge(_ context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	matchID, err := stringArg(args, "match", true)
	if err != nil {
		return nil, err
	}
	h.engine.AcknowledgeMatch(matchID)
	return nil, nil
}

func acknowledgeAll(_ context.Context, h *Harness, _ map[string]interface{}) (map[string]interface{}, error) {
	h.engine.AcknowledgeAll()
	return nil, nil
}

// disconnect drops every push subscription at once, as a lost connection
// would.
func disconnect(_ context.Context, h *Harness, _ map[string]interface{}) (map[string]interface{}, error) {
	h.broker.Disconnect(push.ErrDisconnected)
	return nil, nil
}

func setAvailable(_ context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	available, err := boolArg(args, "available")
	if err != nil {
		return nil, err
	}
	h.broker.SetAvailable(available)
	return nil, nil
}

func setStorage(_ context.Context, h *Harness, args map[string]interface{}) (map[string]interface{}, error) {
	available, err := boolArg(args, "available")
	if err != nil {
		return nil, err
	}
	h.storage.setOffline(!available)
	return nil, nil
}

func stringArg(args map[string]interface{}, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("arg %s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %s: expected string, got %T", key, v)
	}
	return s, nil
}

func floatArg(args map[string]interface{}, key string) (float64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("arg %s: expected number, got %T", key, v)
	}
}

func intArg(args map[string]interface{}, key string) (int, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("arg %s: %v is not an integer", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("arg %s: expected integer, got %T", key, v)
	}
}

func boolArg(args map[string]interface{}, key string) (bool, error) {
	switch v := args[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("arg %s: expected bool, got %T", key, v)
	}
}
