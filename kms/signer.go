package kms

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"aifs.dev/engine/aifserr"
)

// snapshotMessage builds the canonical signing input from spec.md §4.2 /
// §6: "AIFS_SNAPSHOT:" + hex(root) + ":" + ts + ":" + ns.
func snapshotMessage(merkleRoot [32]byte, timestamp, namespace string) []byte {
	return []byte(fmt.Sprintf("AIFS_SNAPSHOT:%s:%s:%s", hex.EncodeToString(merkleRoot[:]), timestamp, namespace))
}

// Signer holds an Ed25519 keypair for signing snapshot roots. An engine
// instance owns exactly one Signer (spec.md §9 "scoped engine").
type Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return &Signer{pub: pub, priv: priv}, nil
}

// NewSignerFromSeed rebuilds a Signer from a 32-byte Ed25519 seed, for
// engine instances that persist their signing key.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument, "kms: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// PublicKey returns the signer's raw 32-byte Ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Seed returns the 32-byte seed backing this signer's private key, for
// durable persistence by the caller.
func (s *Signer) Seed() []byte {
	return s.priv.Seed()
}

// SignSnapshot signs the canonical snapshot message (spec.md §4.2) and
// returns both the raw 64-byte signature and its lowercase hex encoding.
func SignSnapshot(signer *Signer, merkleRoot [32]byte, timestamp, namespace string) (sigBytes []byte, sigHex string, err error) {
	if signer == nil {
		return nil, "", aifserr.New(aifserr.CodeInvalidArgument, "kms: nil signer")
	}
	msg := snapshotMessage(merkleRoot, timestamp, namespace)
	sig := ed25519.Sign(signer.priv, msg)
	return sig, hex.EncodeToString(sig), nil
}

// VerifySnapshot recomputes the canonical message and checks the signature
// against pubkey directly (spec.md §4.2 "direct pubkey" verification mode).
// It rejects on format error, tampered fields, or wrong key.
func VerifySnapshot(sigHex string, merkleRoot [32]byte, timestamp, namespace string, pubkey ed25519.PublicKey) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := snapshotMessage(merkleRoot, timestamp, namespace)
	return ed25519.Verify(pubkey, msg, sig)
}
