package round

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/updown-engine/internal/model"
)

// NewSeed returns 32 hex characters of randomness.
func NewSeed() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CommitHash is sha256 over the canonical JSON of the sealed parameters.
// Keys are sorted and open_ts is RFC 3339 in UTC, so anyone holding the
// revealed seed can recompute it.
func CommitHash(code string, openTs time.Time, feeBps int, seed string) string {
	// encoding/json sorts map keys.
	payload, _ := json.Marshal(map[string]any{
		"code":    code,
		"open_ts": openTs.UTC().Format(time.RFC3339),
		"fee_bps": feeBps,
		"seed":    seed,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyCommit recomputes r's hash from its stored parameters.
func VerifyCommit(r *model.Round) bool {
	return CommitHash(r.Code, r.OpenTs, r.FeeBps, r.Seed) == r.CommitHash
}
