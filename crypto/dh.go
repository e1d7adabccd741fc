package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// 2048-bit MODP group 14 (RFC 3526). Every exchange uses the fixed group
// so two devices only need to swap public values.
const modpGroup14Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	modpPrime     *big.Int
	modpGenerator = big.NewInt(2)
)

func init() {
	p, ok := new(big.Int).SetString(modpGroup14Hex, 16)
	if !ok {
		panic("crypto: invalid MODP group 14 prime")
	}
	modpPrime = p
}

// ErrInvalidDHKey marks a peer public value outside the usable range of
// the group.
var ErrInvalidDHKey = errors.New("invalid DH public value")

// Exchange is one side of an ephemeral Diffie-Hellman key agreement. It
// is fully serializable so a client can persist it between the submit
// and derive phases of the key-exchange pass.
type Exchange struct {
	Prime     *big.Int
	Generator *big.Int
	Private   *big.Int
	Public    *big.Int
}

// NewExchange generates a fresh keypair in the fixed group.
func NewExchange() (*Exchange, error) {
	// Private values are drawn from [2, p-2].
	bound := new(big.Int).Sub(modpPrime, big.NewInt(3))
	priv, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return nil, err
	}
	priv.Add(priv, big.NewInt(2))

	pub := new(big.Int).Exp(modpGenerator, priv, modpPrime)
	return &Exchange{
		Prime:     modpPrime,
		Generator: modpGenerator,
		Private:   priv,
		Public:    pub,
	}, nil
}

// RestoreExchange rebuilds a persisted exchange from hex-encoded values.
func RestoreExchange(privateHex, publicHex string) (*Exchange, error) {
	priv, ok := new(big.Int).SetString(privateHex, 16)
	if !ok {
		return nil, fmt.Errorf("invalid private value")
	}
	pub, ok := new(big.Int).SetString(publicHex, 16)
	if !ok {
		return nil, fmt.Errorf("invalid public value")
	}
	return &Exchange{
		Prime:     modpPrime,
		Generator: modpGenerator,
		Private:   priv,
		Public:    pub,
	}, nil
}

// PublicHex returns the wire form of the public value.
func (e *Exchange) PublicHex() string {
	return e.Public.Text(16)
}

// PrivateHex returns the persistable form of the private value. Never
// leaves the device.
func (e *Exchange) PrivateHex() string {
	return e.Private.Text(16)
}

// SharedSecret combines the peer's public value with the local private
// value. The raw secret bytes feed the key derivation in secret.go.
func (e *Exchange) SharedSecret(peerPublicHex string) ([]byte, error) {
	peer, ok := new(big.Int).SetString(peerPublicHex, 16)
	if !ok {
		return nil, ErrInvalidDHKey
	}
	// Reject the degenerate subgroup elements 0, 1 and p-1.
	upper := new(big.Int).Sub(e.Prime, big.NewInt(1))
	if peer.Cmp(big.NewInt(2)) < 0 || peer.Cmp(upper) >= 0 {
		return nil, ErrInvalidDHKey
	}

	secret := new(big.Int).Exp(peer, e.Private, e.Prime)
	// Fixed-width encoding so both sides derive identical bytes.
	return secret.FillBytes(make([]byte, 256)), nil
}

// SecretFingerprint gives a short comparable digest of a shared secret,
// used to detect that a stored secret no longer matches a rotated peer key.
func SecretFingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return fmt.Sprintf("%x", sum[:8])
}
