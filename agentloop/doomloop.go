package agentloop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultDoomLoopThreshold is the number of consecutive identical tool
// invocations that triggers rejection.
const DefaultDoomLoopThreshold = 3

// DoomLoopDetector flags runs of identical tool invocations within a
// single turn. Two invocations are identical when the tool name and
// the canonicalized arguments produce the same fingerprint, so
// argument key order does not matter.
//
// The detector tracks only the trailing streak: any different
// invocation resets the count, and the caller resets the detector at
// the start of each user turn.
type DoomLoopDetector struct {
	threshold int
	last      string
	streak    int
}

// NewDoomLoopDetector creates a detector with the given threshold. A
// threshold below 1 is clamped to the default.
func NewDoomLoopDetector(threshold int) *DoomLoopDetector {
	if threshold < 1 {
		threshold = DefaultDoomLoopThreshold
	}
	return &DoomLoopDetector{threshold: threshold}
}

// Observe records a tool invocation and reports whether it completes a
// streak of threshold identical calls. Flagged invocations still count
// toward the streak, so immediate retries of a rejected call stay
// flagged.
func (d *DoomLoopDetector) Observe(toolName string, args json.RawMessage) bool {
	fp := InvocationFingerprint(toolName, args)
	if fp == d.last {
		d.streak++
	} else {
		d.last = fp
		d.streak = 1
	}
	return d.streak >= d.threshold
}

// Reset clears the trailing streak. Called at the start of each user
// turn.
func (d *DoomLoopDetector) Reset() {
	d.last = ""
	d.streak = 0
}

// Streak returns the current trailing streak length.
func (d *DoomLoopDetector) Streak() int { return d.streak }

// InvocationFingerprint computes a stable hash for a tool invocation.
// Arguments are canonicalized with recursively sorted object keys
// before hashing, so semantically equal argument objects fingerprint
// identically regardless of serialization order.
func InvocationFingerprint(toolName string, args json.RawMessage) string {
	canonical := canonicalizeJSON(args)
	h := sha256.Sum256([]byte(toolName + "\x00" + canonical))
	return hex.EncodeToString(h[:])
}

// canonicalizeJSON re-serializes raw JSON with object keys sorted at
// every nesting level. Unparseable input falls back to the raw bytes.
func canonicalizeJSON(raw json.RawMessage) string {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, value)
	return b.String()
}

func writeCanonical(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	default:
		// Strings, numbers, bools, null.
		encoded, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(b, "%v", v)
			return
		}
		b.Write(encoded)
	}
}
