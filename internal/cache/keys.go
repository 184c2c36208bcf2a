package cache

// Research keys share a hash tag so a cluster keeps one request's keys on a
// single slot and the checkpoint script can touch them together.

// CheckpointsKey is the set of completed checkpoint names.
func CheckpointsKey(requestID string) string {
	return "research:{" + requestID + "}:checkpoints"
}

// CheckpointCountKey is the counter mirroring the checkpoint set size.
func CheckpointCountKey(requestID string) string {
	return "research:{" + requestID + "}:checkpoint_count"
}

// StatusKey is the status projection hash.
func StatusKey(requestID string) string {
	return "research:{" + requestID + "}:status"
}

// ResultKey is the JSON result payload.
func ResultKey(requestID string) string {
	return "research:{" + requestID + "}:result"
}

// AbortKey is the abort flag.
func AbortKey(requestID string) string {
	return "research:{" + requestID + "}:abort"
}

// BalanceKey caches a user's current credit balance.
func BalanceKey(userID string) string {
	return "credits:{" + userID + "}:balance"
}

// BalanceVersionKey counts balance changes so a stale read-through fill
// can be detected.
func BalanceVersionKey(userID string) string {
	return "credits:{" + userID + "}:balance_version"
}
