package friend

import (
	"testing"

	"github.com/hitoshi/friendsync/internal/model"
)

func TestAllows(t *testing.T) {
	tests := []struct {
		status model.Status
		op     Operation
		want   bool
	}{
		{model.StatusSubscription, OpReadPublicFeed, true},
		{model.StatusSubscription, OpSendRequest, true},
		{model.StatusSubscription, OpApprove, false},
		{model.StatusSubscription, OpReceiveAccepted, false},
		{model.StatusOutgoingRequestPending, OpReadAuthenticatedFeed, true},
		{model.StatusOutgoingRequestPending, OpReceiveAccepted, true},
		{model.StatusOutgoingRequestPending, OpApprove, false},
		{model.StatusIncomingRequestPending, OpApprove, true},
		{model.StatusIncomingRequestPending, OpReconfirm, true},
		{model.StatusIncomingRequestPending, OpReceiveAccepted, false},
		{model.StatusFriend, OpReadPrivateFeed, true},
		{model.StatusFriend, OpReceiveAccepted, true},
		{model.StatusFriend, OpApprove, false},
		{model.Status("unknown"), OpReadPublicFeed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+string(tt.op), func(t *testing.T) {
			if got := Allows(tt.status, tt.op); got != tt.want {
				t.Errorf("Allows(%s, %s) = %v, want %v", tt.status, tt.op, got, tt.want)
			}
		})
	}
}

func TestUpgrade(t *testing.T) {
	tests := []struct {
		name    string
		current model.Status
		target  model.Status
		want    model.Status
	}{
		{"新規は目標になる", "", model.StatusSubscription, model.StatusSubscription},
		{"購読から送信待ちへ", model.StatusSubscription, model.StatusOutgoingRequestPending, model.StatusOutgoingRequestPending},
		{"送信待ちから受信待ちへ", model.StatusOutgoingRequestPending, model.StatusIncomingRequestPending, model.StatusIncomingRequestPending},
		{"受信待ちは送信待ちに下がらない", model.StatusIncomingRequestPending, model.StatusOutgoingRequestPending, model.StatusIncomingRequestPending},
		{"送信待ちは購読に下がらない", model.StatusOutgoingRequestPending, model.StatusSubscription, model.StatusOutgoingRequestPending},
		{"同じ状態は維持", model.StatusSubscription, model.StatusSubscription, model.StatusSubscription},
		{"友達は受信待ちに下がらない", model.StatusFriend, model.StatusIncomingRequestPending, model.StatusFriend},
		{"友達は購読に下がらない", model.StatusFriend, model.StatusSubscription, model.StatusFriend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Upgrade(tt.current, tt.target); got != tt.want {
				t.Errorf("Upgrade(%q, %q) = %q, want %q", tt.current, tt.target, got, tt.want)
			}
		})
	}
}

func TestUsesRemoteToken(t *testing.T) {
	if UsesRemoteToken(model.StatusSubscription) {
		t.Error("subscription should read the public feed")
	}
	if UsesRemoteToken(model.StatusIncomingRequestPending) {
		t.Error("incoming_request_pending has no remote token yet")
	}
	if !UsesRemoteToken(model.StatusOutgoingRequestPending) {
		t.Error("outgoing_request_pending should authenticate")
	}
	if !UsesRemoteToken(model.StatusFriend) {
		t.Error("friend should authenticate")
	}
}
