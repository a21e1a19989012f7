// Transforms rewrite the serialized envelope on its way to the medium and back. They are reversible byte
// rewrites: Decode(Encode(b)) == b for every b. Obfuscate is the XOR + base64 scheme of the CRM's browser storage and
// only keeps values from being readable at a glance; it is not encryption.

package storage

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DefaultObfuscationKey is the XOR key used by the CRM's browser storage.
const DefaultObfuscationKey byte = 123

var errChecksumMismatch = errors.New("checksum mismatch")

// Transform is a reversible rewrite of stored payloads.
type Transform interface {
	Encode(plain []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)
}

type identity struct{}

// Identity stores payloads as they are.
var Identity Transform = identity{}

func (identity) Encode(plain []byte) ([]byte, error)   { return plain, nil }
func (identity) Decode(encoded []byte) ([]byte, error) { return encoded, nil }

type obfuscate struct{ key byte }

// Obfuscate XORs every byte with `key` and base64-encodes the result.
func Obfuscate(key byte) Transform { return obfuscate{key: key} }

func (o obfuscate) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ o.key
	}
	return out
}

func (o obfuscate) Encode(plain []byte) ([]byte, error) {
	xored := o.xor(plain)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(xored)))
	base64.StdEncoding.Encode(out, xored)
	return out, nil
}

func (o obfuscate) Decode(encoded []byte) ([]byte, error) {
	xored := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(xored, encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode obfuscated payload: %w", err)
	}
	return o.xor(xored[:n]), nil
}

type checksum struct{}

// Checksum prefixes payloads with the hex xxhash64 of their content. Decoding rejects payloads whose content doesn't
// match, so truncated or hand-edited entries surface as corrupt instead of as wrong values.
var Checksum Transform = checksum{}

const checksumLen = 16 // Hex digits of a 64-bit hash.

func (checksum) Encode(plain []byte) ([]byte, error) {
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(plain))
	return append(fmt.Appendf(nil, "%x", sum[:]), plain...), nil
}

func (checksum) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < checksumLen {
		return nil, fmt.Errorf("%w: payload too short", errChecksumMismatch)
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(encoded[checksumLen:]))
	if string(encoded[:checksumLen]) != fmt.Sprintf("%x", sum[:]) {
		return nil, errChecksumMismatch
	}
	return encoded[checksumLen:], nil
}

type chain []Transform

// Chain applies transforms in order on Encode and in reverse order on Decode.
func Chain(transforms ...Transform) Transform { return chain(transforms) }

func (c chain) Encode(plain []byte) ([]byte, error) {
	out := plain
	for _, t := range c {
		var err error
		if out, err = t.Encode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c chain) Decode(encoded []byte) ([]byte, error) {
	out := encoded
	for i := len(c) - 1; i >= 0; i-- {
		var err error
		if out, err = c[i].Decode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
