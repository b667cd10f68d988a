package limiter

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultKeyPrefix is the default namespace for all store keys.
const DefaultKeyPrefix = "elf:accessrl"

// Fingerprint returns the hex SHA-256 of the caller key. Raw caller keys
// (IPs, user IDs, API keys) never reach the store or the logs; only the
// fingerprint does.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SanitizeScope maps a scope string onto the store key alphabet: every
// byte that is whitespace, a control character, one of ':', '|', '/', '\',
// or non-ASCII becomes '_'. An empty scope becomes "default".
func SanitizeScope(scope string) string {
	if scope == "" {
		return "default"
	}
	b := []byte(scope)
	for i, c := range b {
		if c <= ' ' || c >= 0x7f || c == ':' || c == '|' || c == '/' || c == '\\' {
			b[i] = '_'
		}
	}
	return string(b)
}

// StoreKeys derives the three store keys for a (policy, scope, keyHash)
// triple. The layout is a stable wire contract shared by every instance:
//
//	<prefix>:bucket:<policy>:<scope>:<keyHash>
//	<prefix>:block:<policy>:<scope>:<keyHash>
//	<prefix>:viol:<policy>:<scope>:<keyHash>
//
// scope and keyHash must already be sanitized.
func StoreKeys(prefix, policy, scope, keyHash string) (bucket, block, violation string) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	suffix := ":" + policy + ":" + scope + ":" + keyHash
	return prefix + ":bucket" + suffix,
		prefix + ":block" + suffix,
		prefix + ":viol" + suffix
}
