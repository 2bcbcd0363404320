package rpcconn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// CallId is a stable, globally-unique identifier chosen by the call's
// initiator. String form is sufficient for this data model.
type CallId string

var callSeq uint64

// processNonce distinguishes CallIds minted by distinct processes
// without requiring any persistence; within one process, callSeq alone
// keeps ids unique. It is shared by every channel in the process.
var processNonce = mustNonce()

func mustNonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is not something the process can recover
		// from meaningfully; fall back to a fixed nonce rather than
		// panic, accepting reduced collision resistance across
		// processes started at the exact same instant.
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// newCallID mints a fresh CallId. The dispatcher's injectivity invariant
// (CallId -> record is injective) holds because callSeq is monotonic for
// the lifetime of the process and processNonce separates processes.
func newCallID() CallId {
	n := atomic.AddUint64(&callSeq, 1)
	return CallId(fmt.Sprintf("%s-%016x", processNonce, n))
}

// newChannelID mints an identifier for a Channel, distinct from CallId
// only in intent (channels are far fewer and longer lived).
func newChannelID() string {
	n := atomic.AddUint64(&callSeq, 1)
	return fmt.Sprintf("chan-%s-%016x", processNonce, n)
}
