package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidPublicKey = errors.New("Invalid public key")
	ErrInvalidSignature = errors.New("Invalid signature")
)

// Proof is a signed challenge proving possession of an account key. All
// fields are standard base64.
type Proof struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// SignChallenge produces the Proof a device sends to obtain a token.
func SignChallenge(priv ed25519.PrivateKey, challenge []byte) Proof {
	pub := priv.Public().(ed25519.PublicKey)
	return Proof{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challenge)),
	}
}

// Verify reports ErrInvalidPublicKey or ErrInvalidSignature; their messages
// are safe to return to clients.
func (p Proof) Verify() error {
	publicKey, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	challenge, err := base64.StdEncoding.DecodeString(p.Challenge)
	if err != nil || len(challenge) == 0 {
		return ErrInvalidSignature
	}

	signature, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}
