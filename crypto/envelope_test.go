package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	return key
}

func TestSignVerify_RoundTrip(t *testing.T) {
	key := testKey(t)

	payload, err := Payload(map[string]any{"roomId": "room-1", "origin": "a.example"})
	assert.NoError(t, err)

	sig, err := Sign(key, payload)
	assert.NoError(t, err)
	assert.True(t, Verify(&key.PublicKey, payload, sig))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	key := testKey(t)

	payload, err := Payload(map[string]any{"roomId": "room-1"})
	assert.NoError(t, err)
	sig, err := Sign(key, payload)
	assert.NoError(t, err)

	tampered, err := Payload(map[string]any{"roomId": "room-2"})
	assert.NoError(t, err)
	assert.False(t, Verify(&key.PublicKey, tampered, sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	payload, err := Payload("hello")
	assert.NoError(t, err)
	sig, err := Sign(key, payload)
	assert.NoError(t, err)

	assert.False(t, Verify(&other.PublicKey, payload, sig))
}

func TestVerify_RejectsGarbageSignature(t *testing.T) {
	key := testKey(t)

	payload, err := Payload("hello")
	assert.NoError(t, err)

	assert.False(t, Verify(&key.PublicKey, payload, "not-base64!!"))
	assert.False(t, Verify(&key.PublicKey, payload, ""))
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}})
	assert.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2})
	assert.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2,"c":{"x":false,"y":true}}`, string(a))
}

func TestCanonicalJSON_PreservesNumberPrecision(t *testing.T) {
	type payload struct {
		Big   int64   `json:"big"`
		Small float64 `json:"small"`
	}

	raw, err := CanonicalJSON(payload{Big: 9007199254740993, Small: 0.5})
	assert.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"small":0.5}`, string(raw))
}

func TestPayload_StableAcrossFieldOrder(t *testing.T) {
	type first struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	type second struct {
		B string `json:"b"`
		A string `json:"a"`
	}

	p1, err := Payload(first{A: "1", B: "2"})
	assert.NoError(t, err)
	p2, err := Payload(second{A: "1", B: "2"})
	assert.NoError(t, err)

	assert.Equal(t, p1, p2)
}

func TestKeyPEM_RoundTrip(t *testing.T) {
	publicPEM, privatePEM, err := GenerateKeyPair(2048)
	assert.NoError(t, err)

	priv, err := ParsePrivateKey(privatePEM)
	assert.NoError(t, err)
	pub, err := ParsePublicKey(publicPEM)
	assert.NoError(t, err)

	payload, err := Payload("round-trip")
	assert.NoError(t, err)
	sig, err := Sign(priv, payload)
	assert.NoError(t, err)
	assert.True(t, Verify(pub, payload, sig))
}

func TestParsePublicKey_RejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey("not a pem block")
	assert.Error(t, err)
}
