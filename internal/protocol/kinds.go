package protocol

// Event kind tags understood by the engine. Kinds in the 30000-39999
// range are addressable: one instance per (author, d-tag) pair.
const (
	KindProfile       = 0
	KindPost          = 1
	KindFollowList    = 3
	KindReaction      = 7
	KindSeal          = 13
	KindGiftWrap      = 1059
	KindComment       = 1111
	KindSessionRecord = 1401
	KindInvite        = 1407
	KindRelayList     = 10002
	KindLiveSession   = 31401
	KindDrillTemplate = 33401
)

// Replaceable reports whether only the latest instance per author is
// authoritative for this kind.
func Replaceable(kind int) bool {
	switch {
	case kind == KindProfile, kind == KindFollowList, kind == KindRelayList:
		return true
	case kind >= 30000 && kind < 40000:
		return true
	}
	return false
}
