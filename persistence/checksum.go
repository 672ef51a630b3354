package persistence

import "hash/crc32"

// Checksum computes the CRC32 (IEEE) of b. It is the integrity check stamped
// into every file header.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
