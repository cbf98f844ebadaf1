// Package firmware reads eQ-3 OTA firmware images.
//
// An image is a sequence of records, each a 4-digit hex block length followed
// by that many bytes as hex pairs. There is no delimiter between records.
package firmware

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"homematic-go-bridge/internal/nibble"
)

// MaxBlockLen is the largest block length accepted.
const MaxBlockLen = 2048

var (
	ErrInvalidHex = errors.New("firmware file not valid")
	ErrShortRead  = errors.New("short read")
	ErrNoLength   = errors.New("can't get length information")
	ErrNoBlocks   = errors.New("firmware file contains no blocks")
)

// BlockTooLargeError reports a block length over MaxBlockLen.
type BlockTooLargeError struct {
	Block  int
	Length int
}

func (e *BlockTooLargeError) Error() string {
	return fmt.Sprintf("invalid block-length %d > %d for block %d", e.Length, MaxBlockLen, e.Block)
}

// Block is one firmware block in file order.
type Block struct {
	Index int
	Data  []byte
}

// Wire returns the block as streamed to the device: the 16-bit big-endian
// length followed by the data.
func (b Block) Wire() []byte {
	out := make([]byte, 2, 2+len(b.Data))
	out[0] = byte(len(b.Data) >> 8)
	out[1] = byte(len(b.Data))
	return append(out, b.Data...)
}

// IndexedWire returns Wire prefixed with the 16-bit big-endian block index,
// the form the adapter bootloaders address blocks by.
func (b Block) IndexedWire() []byte {
	out := make([]byte, 4, 4+len(b.Data))
	out[0] = byte(b.Index >> 8)
	out[1] = byte(b.Index)
	out[2] = byte(len(b.Data) >> 8)
	out[3] = byte(len(b.Data))
	return append(out, b.Data...)
}

// Image is a parsed firmware file.
type Image struct {
	Blocks []Block
}

// Size returns the total number of data bytes.
func (img *Image) Size() int {
	n := 0
	for _, b := range img.Blocks {
		n += len(b.Data)
	}
	return n
}

// Load reads and parses the firmware file at path.
func Load(path string, logger *slog.Logger) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: open %s: %w", path, err)
	}
	defer f.Close()

	logger.Info("reading firmware", "path", path)
	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("firmware %s: %w", path, err)
	}
	logger.Info("firmware read", "blocks", len(img.Blocks), "bytes", img.Size())
	return img, nil
}

// Parse reads a complete image. Whitespace between records is skipped.
// Either every block parses or an error is returned.
func Parse(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	img := &Image{}
	for {
		if err := skipSpace(br); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var hdr [4]byte
		n, err := io.ReadFull(br, hdr[:])
		if err != nil {
			if n == 0 && err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return nil, ErrNoLength
			}
			return nil, err
		}
		raw, err := nibble.Decode(hdr[:])
		if err != nil {
			return nil, ErrInvalidHex
		}
		length := int(raw[0])<<8 | int(raw[1])
		if length > MaxBlockLen {
			return nil, &BlockTooLargeError{Block: len(img.Blocks) + 1, Length: length}
		}

		hexData := make([]byte, length*2)
		n, err = io.ReadFull(br, hexData)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w (%d < %d)", ErrShortRead, n, length*2)
			}
			return nil, err
		}
		data, err := nibble.Decode(hexData)
		if err != nil {
			return nil, ErrInvalidHex
		}
		img.Blocks = append(img.Blocks, Block{Index: len(img.Blocks), Data: data})
	}
	if len(img.Blocks) == 0 {
		return nil, ErrNoBlocks
	}
	return img, nil
}

func skipSpace(br *bufio.Reader) error {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return br.UnreadByte()
	}
}
