// Package simradio emulates a reader with a MIFARE-Classic-1K-like token in memory.
package simradio

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/and161185/fieldtrace/internal/reader"
)

// Card is the memory image of one token.
type Card struct {
	UID    []byte
	Blocks [reader.NumBlocks]reader.Block
}

// NewBlankCard returns a card fresh from the factory: zeroed data, transport keys.
func NewBlankCard(uid []byte) *Card {
	c := &Card{UID: append([]byte(nil), uid...)}
	for s := 0; s < reader.NumBlocks/reader.BlocksPerSector; s++ {
		c.Blocks[s*reader.BlocksPerSector+reader.BlocksPerSector-1] = reader.Trailer(reader.FactoryKey, reader.FactoryKey)
	}
	// block 0 carries the manufacturer data
	copy(c.Blocks[0][:], uid)
	return c
}

// Clone returns a deep copy.
func (c *Card) Clone() *Card {
	cp := *c
	cp.UID = append([]byte(nil), c.UID...)
	return &cp
}

// CopyReadable emulates a cloning attack by someone without the derived key:
// every sector still on the factory key is copied onto a blank card with uid.
func (c *Card) CopyReadable(uid []byte) *Card {
	dst := NewBlankCard(uid)
	for blk := 0; blk < reader.NumBlocks; blk++ {
		if blk == 0 || reader.IsTrailer(blk) {
			continue
		}
		if c.keyA(blk) == reader.FactoryKey {
			dst.Blocks[blk] = c.Blocks[blk]
		}
	}
	return dst
}

func (c *Card) keyA(block int) reader.Key {
	var k reader.Key
	copy(k[:], c.Blocks[reader.TrailerOf(block)][0:6])
	return k
}

func (c *Card) keyB(block int) reader.Key {
	var k reader.Key
	copy(k[:], c.Blocks[reader.TrailerOf(block)][10:16])
	return k
}

type image struct {
	UID    string   `json:"uid"`
	Blocks []string `json:"blocks"`
}

// LoadImage reads a card image written by SaveImage.
func LoadImage(path string) (*Card, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img image
	if err := json.Unmarshal(b, &img); err != nil {
		return nil, fmt.Errorf("card image %s: %w", path, err)
	}
	if len(img.Blocks) != reader.NumBlocks {
		return nil, fmt.Errorf("card image %s: %d blocks", path, len(img.Blocks))
	}
	uid, err := hex.DecodeString(img.UID)
	if err != nil {
		return nil, fmt.Errorf("card image uid: %w", err)
	}
	c := &Card{UID: uid}
	for i, s := range img.Blocks {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != reader.BlockSize {
			return nil, fmt.Errorf("card image block %d malformed", i)
		}
		copy(c.Blocks[i][:], raw)
	}
	return c, nil
}

// SaveImage writes the card as JSON with hex blocks.
func SaveImage(path string, c *Card) error {
	img := image{UID: hex.EncodeToString(c.UID), Blocks: make([]string, reader.NumBlocks)}
	for i := range c.Blocks {
		img.Blocks[i] = hex.EncodeToString(c.Blocks[i][:])
	}
	b, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
