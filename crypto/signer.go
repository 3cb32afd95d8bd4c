package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureAlgorithm mirrors domain.SignatureAlgorithm without importing
// the domain package (keeps crypto dependency-free of the rest of the
// module, the way the teacher's crypto package has no internal imports).
type SignatureAlgorithm string

const (
	AlgorithmHMACSHA256 SignatureAlgorithm = "hmac-sha256"
	AlgorithmEd25519    SignatureAlgorithm = "ed25519"
	AlgorithmSecp256k1  SignatureAlgorithm = "secp256k1"
)

// HMACSign signs payload with HMAC-SHA-256 under secret (spec.md §4.2.2,
// the "hmac" mode).
func HMACSign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// HMACVerify reports whether sig is a valid HMAC-SHA-256 of payload under
// secret, using a constant-time comparison.
func HMACVerify(secret, payload, sig []byte) bool {
	expected := HMACSign(secret, payload)
	return hmac.Equal(expected, sig)
}

// Ed25519Sign signs payload with an Ed25519 private key (dev-mode PEM/raw
// key material, spec.md §4.2.2 asymmetric path).
func Ed25519Sign(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, payload)
}

// Ed25519Verify verifies an Ed25519 signature.
func Ed25519Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, payload, sig)
}

// Secp256k1Sign signs the Keccak-256 digest of payload using the supplied
// secp256k1 private key, matching the production/KMS asymmetric option
// described in SPEC_FULL.md §B.3 (grounded on the teacher's crypto.PrivateKey).
func Secp256k1Sign(priv *PrivateKey, payload []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("crypto: nil secp256k1 private key")
	}
	digest := ethcrypto.Keccak256(payload)
	return ethcrypto.Sign(digest, priv.PrivateKey)
}

// Secp256k1Verify verifies a 65-byte secp256k1 signature produced by
// Secp256k1Sign against the given uncompressed public key bytes.
func Secp256k1Verify(pubKey, payload, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	digest := ethcrypto.Keccak256(payload)
	// Drop the recovery id byte for verification, matching go-ethereum's
	// VerifySignature contract.
	return ethcrypto.VerifySignature(pubKey, digest, sig[:64])
}

// Sign dispatches to the algorithm-specific signer. keyMaterial's shape
// depends on alg: HMAC wants the shared secret, Ed25519 wants an
// ed25519.PrivateKey, secp256k1 wants a *PrivateKey.
func Sign(alg SignatureAlgorithm, keyMaterial any, payload []byte) ([]byte, error) {
	switch alg {
	case AlgorithmHMACSHA256:
		secret, ok := keyMaterial.([]byte)
		if !ok {
			return nil, fmt.Errorf("crypto: hmac signing requires []byte secret")
		}
		return HMACSign(secret, payload), nil
	case AlgorithmEd25519:
		priv, ok := keyMaterial.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("crypto: ed25519 signing requires ed25519.PrivateKey")
		}
		return Ed25519Sign(priv, payload), nil
	case AlgorithmSecp256k1:
		priv, ok := keyMaterial.(*PrivateKey)
		if !ok {
			return nil, fmt.Errorf("crypto: secp256k1 signing requires *PrivateKey")
		}
		return Secp256k1Sign(priv, payload)
	default:
		return nil, fmt.Errorf("crypto: unknown signature algorithm %q", alg)
	}
}

// Verify dispatches to the algorithm-specific verifier. keyMaterial is the
// verification key: the shared secret for HMAC, an ed25519.PublicKey, or
// raw secp256k1 public key bytes.
func Verify(alg SignatureAlgorithm, keyMaterial any, payload, sig []byte) (bool, error) {
	switch alg {
	case AlgorithmHMACSHA256:
		secret, ok := keyMaterial.([]byte)
		if !ok {
			return false, fmt.Errorf("crypto: hmac verify requires []byte secret")
		}
		return HMACVerify(secret, payload, sig), nil
	case AlgorithmEd25519:
		pub, ok := keyMaterial.(ed25519.PublicKey)
		if !ok {
			return false, fmt.Errorf("crypto: ed25519 verify requires ed25519.PublicKey")
		}
		return Ed25519Verify(pub, payload, sig), nil
	case AlgorithmSecp256k1:
		pub, ok := keyMaterial.([]byte)
		if !ok {
			return false, fmt.Errorf("crypto: secp256k1 verify requires raw public key bytes")
		}
		return Secp256k1Verify(pub, payload, sig), nil
	default:
		return false, fmt.Errorf("crypto: unknown signature algorithm %q", alg)
	}
}
