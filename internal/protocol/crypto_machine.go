package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AEADCodec is the encrypted Codec named as the "implementations may add
// checksum/crypto" escape hatch in spec.md §4.3's encode() contract. Each
// Encode call seals one frame with a fresh random nonce prefixed to the
// ciphertext and a 4-byte length so Decode can find frame boundaries in
// the encrypted byte stream before the inner wire codec ever sees
// plaintext.
type AEADCodec struct {
	aead cipher.AEAD

	pending []byte
}

// NewAEADCodec wraps an already-agreed AEAD (see DeriveAEADKey).
func NewAEADCodec(aead cipher.AEAD) *AEADCodec {
	return &AEADCodec{aead: aead}
}

// DeriveAEADKey performs X25519 ECDH + HKDF-SHA256 to derive an AES-256-GCM
// AEAD from a local private key and a peer's raw public key bytes, the
// same construction the teacher's auth package uses for its PTY E2E
// channel, re-used here as the wire transport's own optional crypto layer.
func DeriveAEADKey(priv *ecdh.PrivateKey, peerPubRaw []byte, info string) (cipher.AEAD, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubRaw)
	if err != nil {
		return nil, fmt.Errorf("protocol: parse peer public key: %w", err)
	}
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("protocol: ecdh: %w", err)
	}

	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("protocol: hkdf: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("protocol: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encode seals frame and prefixes a u32 ciphertext length so Decode can
// recover sealed-message boundaries from an arbitrarily-chunked stream.
func (c *AEADCodec) Encode(frame []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nonce, nonce, frame, nil)

	out := make([]byte, 4+len(sealed))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(sealed)))
	copy(out[4:], sealed)
	return out, nil
}

// Decode accumulates raw transport bytes and emits the concatenation of
// every fully-received, successfully-opened sealed message's plaintext.
func (c *AEADCodec) Decode(b []byte) ([]byte, error) {
	c.pending = append(c.pending, b...)

	var out []byte
	for {
		if len(c.pending) < 4 {
			return out, nil
		}
		n := binary.LittleEndian.Uint32(c.pending[0:4])
		if len(c.pending) < 4+int(n) {
			return out, nil
		}
		sealed := c.pending[4 : 4+int(n)]
		c.pending = append(c.pending[:0], c.pending[4+int(n):]...)

		nonceSize := c.aead.NonceSize()
		if len(sealed) < nonceSize {
			return nil, fmt.Errorf("protocol: sealed message shorter than nonce")
		}
		nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
		plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("protocol: aead open: %w", err)
		}
		out = append(out, plain...)
	}
}
