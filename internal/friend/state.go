// Package friend は関係の状態機械と、友達ハンドシェイクの送受信操作を提供する。
//
// 状態遷移は全て識別キー単位のロック内で行われ、
// トークンの発行・置換・失効も同じ臨界区間で実行される。
package friend

import "github.com/hitoshi/friendsync/internal/model"

// Operation は状態ごとに許可される操作を表す。
type Operation string

const (
	// OpReadPublicFeed は相手の公開フィードを認証なしで読む。
	OpReadPublicFeed Operation = "read_public_feed"
	// OpReadAuthenticatedFeed は相手のフィードをトークン付きで読む。
	OpReadAuthenticatedFeed Operation = "read_authenticated_feed"
	// OpReadPrivateFeed は相手の非公開投稿を含むフィードを読む。
	OpReadPrivateFeed Operation = "read_private_feed"
	// OpSendRequest は相手に友達リクエストを送る。
	OpSendRequest Operation = "send_request"
	// OpReceiveAccepted は相手からの承認コールバックを受け付ける。
	OpReceiveAccepted Operation = "receive_accepted"
	// OpApprove は受信したリクエストを承認する。
	OpApprove Operation = "approve"
	// OpReconfirm は同じリクエストの再送に同じ応答を返す。
	OpReconfirm Operation = "reconfirm"
)

// transitions は状態ごとに許可される操作の表。
var transitions = map[model.Status][]Operation{
	model.StatusSubscription: {
		OpReadPublicFeed,
		OpSendRequest,
	},
	model.StatusOutgoingRequestPending: {
		OpReadAuthenticatedFeed,
		OpReceiveAccepted,
		OpSendRequest,
	},
	model.StatusIncomingRequestPending: {
		OpReadPublicFeed,
		OpApprove,
		OpReconfirm,
	},
	model.StatusFriend: {
		OpReadAuthenticatedFeed,
		OpReadPrivateFeed,
		OpReceiveAccepted,
		OpReconfirm,
		OpSendRequest,
	},
}

// Allows は状態sで操作opが許可されているかを返す。
func Allows(s model.Status, op Operation) bool {
	for _, allowed := range transitions[s] {
		if allowed == op {
			return true
		}
	}
	return false
}

// upgradeRank は作成・格上げ時の順位。friendはこの表に含まれず、格上げで変化しない。
var upgradeRank = map[model.Status]int{
	model.StatusSubscription:           0,
	model.StatusOutgoingRequestPending: 1,
	model.StatusIncomingRequestPending: 2,
}

// Upgrade は現在の状態currentを目標targetへ格上げした結果を返す。
// currentの順位がtarget以下の場合のみtargetになり、friendは常に維持される。
func Upgrade(current, target model.Status) model.Status {
	if current == model.StatusFriend {
		return current
	}
	cur, ok := upgradeRank[current]
	if !ok {
		return target
	}
	if cur <= upgradeRank[target] {
		return target
	}
	return current
}

// UsesRemoteToken はフィード取得時に相手のトークンを付与すべき状態かを返す。
func UsesRemoteToken(s model.Status) bool {
	return Allows(s, OpReadAuthenticatedFeed)
}
