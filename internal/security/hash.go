package security

import (
	"crypto/sha256"
	"hash/fnv"
)

// HashProvider is the collaborator contract for both query hashing and
// forensic chain hashing (§6): digest(bytes) -> 32 bytes.
type HashProvider interface {
	Digest(data []byte) []byte
}

// Sha256Provider is the default, production hash provider.
type Sha256Provider struct{}

func (Sha256Provider) Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// FNVDevProvider is a non-cryptographic stand-in for local development
// only. It must be explicitly opted into via the topology config's
// `hash_provider` key — never the default.
type FNVDevProvider struct{}

func (FNVDevProvider) Digest(data []byte) []byte {
	h := fnv.New128a()
	h.Write(data)
	sum := h.Sum(nil)
	out := make([]byte, 32)
	copy(out, sum)
	return out
}

// ResolveHashProvider picks Sha256Provider unless devHash is true, in which
// case it returns FNVDevProvider. Callers derive devHash from the
// topology config's `hash_provider` key; there is no other gate.
func ResolveHashProvider(devHash bool) HashProvider {
	if devHash {
		return FNVDevProvider{}
	}
	return Sha256Provider{}
}
