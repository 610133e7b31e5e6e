package conversation

import "strconv"

// Token returns the external identity of a conversation: the string form of
// its start rank. External callers must round-trip it unchanged.
func Token(startRank int) string {
	return strconv.Itoa(startRank)
}

// ParseToken parses a conversation token back into a start rank. Reports
// false for non-numeric or non-positive tokens; callers must reject those
// before making any storage call.
func ParseToken(token string) (int, bool) {
	rank, err := strconv.Atoi(token)
	if err != nil || rank < 1 {
		return 0, false
	}
	return rank, true
}
