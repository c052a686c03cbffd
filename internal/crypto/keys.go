// Package crypto implements the login handshake primitives: ECDH key
// agreement on P-256 and AES-256 block encryption of short passcode
// payloads. Keys and ciphertexts travel base64-encoded.
//
// The shared secret is derived once per user at registration and stored
// on both sides; the client proves possession by encrypting the current
// passcode with it. Payloads are short and verified by exact equality,
// so the cipher is a plain block construction rather than an AEAD.
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Kind classifies a handshake failure.
type Kind string

const (
	BadKey     Kind = "bad_key"
	BadPadding Kind = "bad_padding"
	BadBase64  Kind = "bad_base64"
)

// Error is a typed handshake error. The auth service maps every Kind to
// Unauthenticated; the Kind is only logged.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("crypto: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// GenerateKeypair returns a fresh P-256 keypair. The private half is
// SEC1 DER, the public half an uncompressed SEC1 point (65 bytes, 0x04
// prefix), both base64.
func GenerateKeypair() (privateB64, publicB64 string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}
	privateB64 = base64.StdEncoding.EncodeToString(der)
	publicB64 = base64.StdEncoding.EncodeToString(pub.Bytes())
	return privateB64, publicB64, nil
}

// DeriveShared computes ECDH(private, public) and returns the raw
// 32-byte shared secret base64-encoded. Symmetric:
// DeriveShared(a, B) == DeriveShared(b, A).
func DeriveShared(privateB64, publicB64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(privateB64)
	if err != nil {
		return "", &Error{Kind: BadBase64, cause: err}
	}
	ecKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return "", &Error{Kind: BadKey, cause: err}
	}
	priv, err := ecKey.ECDH()
	if err != nil {
		return "", &Error{Kind: BadKey, cause: err}
	}

	point, err := base64.StdEncoding.DecodeString(publicB64)
	if err != nil {
		return "", &Error{Kind: BadBase64, cause: err}
	}
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return "", &Error{Kind: BadKey, cause: err}
	}

	shared, err := priv.ECDH(pub)
	if err != nil {
		return "", &Error{Kind: BadKey, cause: err}
	}
	return base64.StdEncoding.EncodeToString(shared), nil
}
