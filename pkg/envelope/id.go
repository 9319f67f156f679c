package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var fallbackSeq atomic.Uint64

// GenerateID creates a new random hex string used as a correlation id.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("fallback-%x-%d", time.Now().UnixNano(), fallbackSeq.Add(1))
	}
	return hex.EncodeToString(bytes)
}
