package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MakeCOID mints the deterministic client-order-id: SHA-256 of
// symbol|side|strategy|minute-bucket, truncated to 24 hex characters.
// Retries within the same minute bucket collide on purpose — that collision
// is the dedup mechanism the idempotency store relies on, not an accident.
func MakeCOID(symbol string, side Side, strategy string, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	payload := fmt.Sprintf("%s|%s|%s|%d", symbol, side, strategy, bucket)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:24]
}

// MakeReduceCOID mints a synthetic coid for one reduce-action leg of a
// netting operation, "REDUCE_<ticket>_<hhmmss>".
func MakeReduceCOID(ticket string, at time.Time) string {
	return fmt.Sprintf("REDUCE_%s_%s", ticket, at.UTC().Format("150405"))
}

// NettedBrokerID is the synthetic broker_order_id recorded when a submission
// is fully absorbed by netting and no residual order is sent.
func NettedBrokerID(coid string) string {
	return "NETTED_" + coid
}
