package chain

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer signs typed data with the bot's identity key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// PubkeyHash returns the keccak hash of the uncompressed public key, as
// registered with the bot registry.
func (s *Signer) PubkeyHash() common.Hash {
	pub := crypto.FromECDSAPub(&s.key.PublicKey)
	return crypto.Keccak256Hash(pub[1:])
}

// Key exposes the raw key for transaction signing inside the adapter.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// SignTypedData signs the EIP-712 digest of td. The returned signature is
// 65 bytes with V adjusted to 27/28 for on-chain recovery.
func (s *Signer) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	digest, err := HashTypedData(td)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignDigest signs an arbitrary 32-byte digest, V adjusted to 27/28.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverTypedData recovers the address that signed td.
func RecoverTypedData(td apitypes.TypedData, signature []byte) (common.Address, error) {
	digest, err := HashTypedData(td)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverDigest(digest, signature)
}

// RecoverDigest recovers the signing address from a 32-byte digest and a
// 65-byte signature with V in either 0/1 or 27/28 form.
func RecoverDigest(digest, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
