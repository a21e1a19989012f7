package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(``),
		[]byte(`{"data":"ümlaut ✓","timestamp":1}`),
		{0x00, 0x7b, 0xff, 0x80},
	}
	for name, transform := range map[string]Transform{
		"identity":        Identity,
		"obfuscate":       Obfuscate(DefaultObfuscationKey),
		"obfuscate_zero":  Obfuscate(0),
		"checksum":        Checksum,
		"chain":           Chain(Checksum, Obfuscate(42)),
		"chain_empty":     Chain(),
		"chain_checksums": Chain(Checksum, Checksum),
	} {
		t.Run(name, func(t *testing.T) {
			for _, payload := range payloads {
				encoded, err := transform.Encode(payload)
				require.NoError(t, err)
				decoded, err := transform.Decode(encoded)
				require.NoError(t, err)
				assert.Equal(t, string(payload), string(decoded))
			}
		})
	}
}

func TestObfuscate_Encoding(t *testing.T) {
	// '{' ^ 123 = 0x00 and '}' ^ 123 = 0x06.
	encoded, err := Obfuscate(DefaultObfuscationKey).Encode([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "AAY=", string(encoded))

	_, err = Obfuscate(DefaultObfuscationKey).Decode([]byte("not base64!"))
	assert.Error(t, err)
}

func TestChecksum_RejectsTampering(t *testing.T) {
	encoded, err := Checksum.Encode([]byte(`{"data":1,"timestamp":1}`))
	require.NoError(t, err)
	assert.Len(t, encoded, checksumLen+len(`{"data":1,"timestamp":1}`))

	tampered := []byte(string(encoded))
	tampered[len(tampered)-2] = '2'
	_, err = Checksum.Decode(tampered)
	assert.ErrorIs(t, err, errChecksumMismatch)

	_, err = Checksum.Decode([]byte("short"))
	assert.ErrorIs(t, err, errChecksumMismatch)
}
