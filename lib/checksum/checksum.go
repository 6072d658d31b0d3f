package checksum

import (
	"crypto/sha256"
	"encoding/binary"
)

// Sum returns the first four bytes of the SHA-256 digest of data.
func Sum(data []byte) uint32 {
	digest := sha256.Sum256(data)
	return binary.BigEndian.Uint32(digest[:4])
}
