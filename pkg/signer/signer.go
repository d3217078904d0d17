// Package signer defines the signing capability transactions are handed to.
// Key material never leaves an implementation.
package signer

import (
	"context"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
)

var ErrInvalidKey = errors.New("invalid private key")

// Signer produces signatures for a single address.
type Signer interface {
	PublicKey() ed25519.PublicKey

	// Sign returns the signature of message. It may block, for example on a
	// remote wallet.
	Sign(ctx context.Context, message []byte) (solana.Signature, error)
}

type keypairSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeypairSigner returns a Signer backed by an in-process private key.
func NewKeypairSigner(priv ed25519.PrivateKey) (Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}

	return &keypairSigner{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// MustNewKeypairSigner is NewKeypairSigner for keys known to be valid.
func MustNewKeypairSigner(priv ed25519.PrivateKey) Signer {
	s, err := NewKeypairSigner(priv)
	if err != nil {
		panic(err)
	}
	return s
}

// GenerateKeypairSigner returns a Signer for a freshly generated key.
func GenerateKeypairSigner() (Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return NewKeypairSigner(priv)
}

func (s *keypairSigner) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *keypairSigner) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}

	var sig solana.Signature
	copy(sig[:], ed25519.Sign(s.priv, message))
	return sig, nil
}
