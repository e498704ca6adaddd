// Package dedup collapses identical concurrent requests onto a single
// upstream call. A fingerprint derived from the normalized request body keys
// an in-flight registry; the first request becomes the owner and performs
// the upstream work, duplicates park as followers and receive the owner's
// result (or attach to its stream broadcaster).
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// fingerprintFields are the request body fields that determine the upstream
// response. Anything else (metadata, client-side ids) is ignored.
var fingerprintFields = []string{"model", "messages", "system", "tools", "temperature", "stream"}

// Fingerprint hashes the semantically relevant fields of a request body.
// Each field is decoded and re-encoded before hashing, so client key order
// and whitespace never change the result. max_tokens participates only when
// includeMaxTokens is set: retry loops commonly vary it, and including it by
// default would defeat deduplication for those clients.
func Fingerprint(body []byte, includeMaxTokens bool) string {
	fields := fingerprintFields
	if includeMaxTokens {
		fields = append(append([]string(nil), fingerprintFields...), "max_tokens")
	}
	doc := make(map[string]any, len(fields))
	for _, f := range fields {
		v := gjson.GetBytes(body, f)
		if !v.Exists() {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(v.Raw), &decoded); err != nil {
			decoded = v.Raw
		}
		doc[f] = decoded
	}
	// encoding/json sorts map keys, which makes the digest stable.
	canonical, _ := json.Marshal(doc)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
