package reader

import (
	"crypto/sha256"

	"github.com/and161185/fieldtrace/internal/model"
)

// Token memory layout: 16-byte blocks, 4 blocks per sector, the last block of
// each sector is the trailer holding key A, access bits and key B.
const (
	BlockSize       = 16
	BlocksPerSector = 4
	NumBlocks       = 64

	// PlaintextBlock holds the identity, readable with the factory key.
	PlaintextBlock = 1
	// VerifyBlock holds the verification copy of the identity, locked with the derived key.
	VerifyBlock = 4
	// ChecksumBlock is reserved for the anti-clone checksum, locked with the derived key.
	ChecksumBlock = 8
)

// Block is the content of one token block.
type Block [BlockSize]byte

// Key is a 6-byte sector key.
type Key [6]byte

// KeyType selects which trailer key authenticates a sector.
type KeyType byte

const (
	KeyA KeyType = 0x60
	KeyB KeyType = 0x61
)

// FactoryKey is the transport key of unprovisioned sectors.
var FactoryKey = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// transportAccess are the factory access bits plus the general purpose byte.
var transportAccess = [4]byte{0xFF, 0x07, 0x80, 0x69}

// KeyFromSecret converts a derived secret into a sector key.
func KeyFromSecret(s model.DerivedSecret) Key { return Key(s) }

// SectorOf returns the sector holding block.
func SectorOf(block int) int { return block / BlocksPerSector }

// TrailerOf returns the trailer block of the sector holding block.
func TrailerOf(block int) int { return SectorOf(block)*BlocksPerSector + BlocksPerSector - 1 }

// IsTrailer reports whether block is a sector trailer.
func IsTrailer(block int) bool { return block%BlocksPerSector == BlocksPerSector-1 }

// ValidBlock reports whether block is addressable.
func ValidBlock(block int) bool { return block >= 0 && block < NumBlocks }

// Trailer builds a sector trailer with both keys and transport access bits.
func Trailer(keyA, keyB Key) Block {
	var b Block
	copy(b[0:6], keyA[:])
	copy(b[6:10], transportAccess[:])
	copy(b[10:16], keyB[:])
	return b
}

// Checksum is the content of ChecksumBlock for a provisioned token.
func Checksum(id model.TokenIdentity, derived model.DerivedSecret) Block {
	h := sha256.New()
	h.Write(id.Bytes())
	h.Write(derived[:])
	var b Block
	copy(b[:], h.Sum(nil))
	return b
}

// IdentityBlock encodes an identity as a block.
func IdentityBlock(id model.TokenIdentity) Block {
	var b Block
	copy(b[:], model.IdentityToBytes(id))
	return b
}
