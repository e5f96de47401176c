package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNER - Solana ed25519 keypair
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wire layout of a (legacy or v0) transaction:
//   compact-u16 numSignatures | 64-byte signature slots | message
// Message:
//   [0x80|version] | header(3) | compact-u16 numKeys | 32-byte keys | ...
//
// The swap service returns the transaction with empty signature slots; we sign
// the message bytes and drop the signature into our key's slot.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	signatureLen = ed25519.SignatureSize
	pubkeyLen    = ed25519.PublicKeySize
)

// Signer holds the wallet keypair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadSigner parses a secret key either as the JSON byte array written by the
// Solana CLI ("[12,34,...]") or as a base58 string exported by wallets.
func LoadSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("empty private key")
	}

	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("invalid key array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("invalid key byte at %d", i)
			}
			raw[i] = byte(v)
		}
	} else {
		b, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid base58 key: %w", err)
		}
		raw = b
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		if !bytes.Equal(pub, raw[32:]) {
			return nil, errors.New("keypair public half does not match secret")
		}
		return &Signer{priv: priv, pub: pub}, nil
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(raw)
		return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	return nil, fmt.Errorf("unexpected key length %d", len(raw))
}

// NewSigner wraps an existing key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the base58 wallet address.
func (s *Signer) PublicKey() string {
	return base58.Encode(s.pub)
}

// SignTransaction fills this wallet's signature slot in a serialized
// transaction and returns the signed copy.
func (s *Signer) SignTransaction(tx []byte) ([]byte, error) {
	numSigs, n, err := decodeCompactU16(tx)
	if err != nil {
		return nil, fmt.Errorf("signature count: %w", err)
	}
	sigStart := n
	msgStart := sigStart + numSigs*signatureLen
	if numSigs == 0 || len(tx) <= msgStart {
		return nil, errors.New("transaction too short")
	}
	msg := tx[msgStart:]

	keys, required, err := messageSigners(msg)
	if err != nil {
		return nil, err
	}

	slot := -1
	for i := 0; i < required && i < len(keys); i++ {
		if bytes.Equal(keys[i], s.pub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, fmt.Errorf("wallet %s is not a required signer", s.PublicKey())
	}
	if slot >= numSigs {
		return nil, fmt.Errorf("signer slot %d out of range (%d slots)", slot, numSigs)
	}

	out := make([]byte, len(tx))
	copy(out, tx)
	sig := ed25519.Sign(s.priv, msg)
	copy(out[sigStart+slot*signatureLen:], sig)
	return out, nil
}

// TransactionID returns the base58 first signature, which is how the ledger
// identifies the transaction.
func TransactionID(tx []byte) (string, error) {
	numSigs, n, err := decodeCompactU16(tx)
	if err != nil {
		return "", err
	}
	if numSigs == 0 || len(tx) < n+signatureLen {
		return "", errors.New("transaction has no signature")
	}
	return base58.Encode(tx[n : n+signatureLen]), nil
}

// messageSigners returns the account keys of a message and how many of them
// must sign.
func messageSigners(msg []byte) ([][]byte, int, error) {
	off := 0
	if len(msg) == 0 {
		return nil, 0, errors.New("empty message")
	}
	if msg[0]&0x80 != 0 {
		off++ // versioned message prefix
	}
	if len(msg) < off+3 {
		return nil, 0, errors.New("message header truncated")
	}
	required := int(msg[off])
	off += 3

	numKeys, n, err := decodeCompactU16(msg[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("account count: %w", err)
	}
	off += n
	if len(msg) < off+numKeys*pubkeyLen {
		return nil, 0, errors.New("account keys truncated")
	}

	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = msg[off+i*pubkeyLen : off+(i+1)*pubkeyLen]
	}
	return keys, required, nil
}

func decodeCompactU16(b []byte) (value, size int, err error) {
	for size < 3 {
		if size >= len(b) {
			return 0, 0, errors.New("compact-u16 truncated")
		}
		c := b[size]
		value |= int(c&0x7f) << (7 * size)
		size++
		if c&0x80 == 0 {
			return value, size, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}
