package test

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// TestKey is a freshly generated public keyblock.
type TestKey struct {
	Entity      *openpgp.Entity
	Fingerprint string
	KeyID       string
	Created     time.Time
	Binary      []byte
}

// KeyOption adjusts key generation.
type KeyOption func(*packet.Config)

// WithCreated fixes the creation time of the key and its self-signatures.
func WithCreated(created time.Time) KeyOption {
	return func(c *packet.Config) {
		c.Time = func() time.Time { return created }
	}
}

// WithLifetime sets the key expiration relative to creation.
func WithLifetime(d time.Duration) KeyOption {
	return func(c *packet.Config) {
		c.KeyLifetimeSecs = uint32(d / time.Second)
	}
}

// NewTestKey generates an Ed25519 key with one user id. Generation is fast
// enough to run per test.
func NewTestKey(t *testing.T, name, email string, opts ...KeyOption) TestKey {
	t.Helper()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
		Time:      func() time.Time { return created },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return serializeKey(t, entity, cfg.Now())
}

// Revoke adds a key revocation signature and reserializes the key.
func (k TestKey) Revoke(t *testing.T) TestKey {
	t.Helper()
	if err := k.Entity.RevokeKey(packet.KeyCompromised, "test", &packet.Config{Time: func() time.Time { return k.Created.Add(time.Hour) }}); err != nil {
		t.Fatalf("failed to revoke key: %v", err)
	}
	return serializeKey(t, k.Entity, k.Created)
}

// Armored returns the key as an ASCII-armored public key block.
func (k TestKey) Armored(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("failed to start armor: %v", err)
	}
	if _, err := w.Write(k.Binary); err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close armor: %v", err)
	}
	return buf.String()
}

func serializeKey(t *testing.T, entity *openpgp.Entity, created time.Time) TestKey {
	t.Helper()
	var buf bytes.Buffer
	if err := entity.Serialize(&buf); err != nil {
		t.Fatalf("failed to serialize key: %v", err)
	}
	fpr := strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
	return TestKey{
		Entity:      entity,
		Fingerprint: fpr,
		KeyID:       fpr[len(fpr)-16:],
		Created:     created,
		Binary:      buf.Bytes(),
	}
}
