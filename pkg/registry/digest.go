package registry

import (
	"github.com/opencontainers/go-digest"
)

// ContentDigest formats data's SHA-256 the way OCI registries format
// content-addressed blob names ("sha256:<hex>"). Used for the ETag
// header on served package artifacts (WritePayload); the
// ecosystem-native checksum fields (Cargo's cksum, npm's shasum) keep
// their own wire-mandated hex-only format and are computed separately.
func ContentDigest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}
