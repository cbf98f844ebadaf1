package hm

import (
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeySpec is an AES key together with the index the device knows it by.
// Index 0 means no key is configured.
type KeySpec struct {
	Index int
	Key   [16]byte
}

// ParseKeySpec parses "<index>:<32 hex digits>".
func ParseKeySpec(s string) (KeySpec, error) {
	var ks KeySpec
	idx, key, ok := strings.Cut(s, ":")
	if !ok {
		return ks, errors.New("key must be given as <index>:<32 hex digits>")
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > 255 {
		return ks, fmt.Errorf("invalid key index %q", idx)
	}
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 16 {
		return ks, fmt.Errorf("key must be 16 bytes of hex, got %q", key)
	}
	ks.Index = n
	copy(ks.Key[:], raw)
	return ks, nil
}

// Sign computes the answer to an AES challenge for message m.
//
// The signing key is the device key with its first six bytes XORed with the
// challenge. The first block is the timestamp followed by bytes 1..10 of m;
// its encryption yields the expected authentication bytes. The block is then
// XORed with the payload of m after the subtype byte (at most 16 bytes) and
// encrypted again to give the response.
func Sign(key [16]byte, challenge [6]byte, m Message, now time.Time) (resp [16]byte, expAuth [4]byte) {
	signKey := key
	for i := range challenge {
		signKey[i] ^= challenge[i]
	}
	block, err := aes.NewCipher(signKey[:])
	if err != nil {
		// 16-byte keys are always accepted.
		panic(err)
	}

	// The frame is zero padded like the fixed-size adapter buffers.
	var frame [MaxFrame]byte
	copy(frame[:], m)

	sec := uint32(now.Unix())
	usec := uint32(now.Nanosecond() / 1000)
	resp[0] = byte(sec >> 24)
	resp[1] = byte(sec >> 16)
	resp[2] = byte(sec >> 8)
	resp[3] = byte(sec)
	resp[4] = byte(usec >> 8)
	resp[5] = byte(usec)
	copy(resp[6:], frame[OffMsgID:OffMsgID+10])

	block.Encrypt(resp[:], resp[:])
	copy(expAuth[:], resp[:4])

	n := int(frame[OffLen]) - HeaderLen - 1
	if n > 16 {
		n = 16
	}
	for i := 0; i < n; i++ {
		resp[i] ^= frame[OffPayload+1+i]
	}
	block.Encrypt(resp[:], resp[:])
	return resp, expAuth
}
