package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	idPrefix        = "tab1"
	hkdfInfoSigning = "sharedtab/identity/signing/v1"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrInvalidID        = errors.New("invalid identity id")
	ErrKeyMismatch      = errors.New("identity id does not match public key")
)

// Identity is the stable peer identity: the same mnemonic always derives the
// same ID, which is what lets a process resume its place in a session after a
// restart.
type Identity struct {
	ID               string
	SigningPublicKey ed25519.PublicKey

	priv ed25519.PrivateKey
}

// New generates a fresh identity and returns its recovery mnemonic.
func New() (Identity, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return Identity{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Identity{}, "", err
	}
	id, err := FromMnemonic(mnemonic)
	if err != nil {
		return Identity{}, "", err
	}
	return id, mnemonic, nil
}

// FromMnemonic derives the identity deterministically from a recovery
// mnemonic.
func FromMnemonic(mnemonic string) (Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return Identity{}, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Identity{}, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return Identity{}, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)
	id, err := BuildID(pub)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, SigningPublicKey: pub, priv: priv}, nil
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// BuildID encodes a signing public key as a shareable identity string.
func BuildID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: unexpected public key size %d", ErrInvalidID, len(signingPublicKey))
	}
	h := sha256.Sum256(signingPublicKey)
	return idPrefix + base58.Encode(h[:]), nil
}

// VerifyID checks that a claimed identity string matches a public key.
func VerifyID(id string, signingPublicKey []byte) error {
	expected, err := BuildID(signingPublicKey)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(id, idPrefix) {
		return ErrInvalidID
	}
	if !bytes.Equal([]byte(expected), []byte(id)) {
		return ErrKeyMismatch
	}
	return nil
}

// Sign signs a payload with the identity's private key.
func (i Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(i.priv, payload)
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
