package signature

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/shared/config"
)

func testVerifier() *Verifier {
	return NewVerifier(&config.SignatureConfig{
		Secret:       "test-secret",
		MaxClockSkew: 5 * time.Minute,
	}, zap.NewNop())
}

func header(v *Verifier, id identity.Identity, action string, ts int64) string {
	return fmt.Sprintf("t=%d,s=%s", ts, v.Sign(id, action, ts))
}

func TestVerifyValidSignature(t *testing.T) {
	v := testVerifier()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	h := header(v, id, "tryon", now.Unix())
	assert.Equal(t, StatusValid, v.Verify(id, "tryon", h))
}

func TestVerifyMissingSignatureSoftPasses(t *testing.T) {
	v := testVerifier()
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}
	assert.Equal(t, StatusMissing, v.Verify(id, "tryon", ""))
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	v := testVerifier()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	h := fmt.Sprintf("t=%d,s=%s", now.Unix(), "deadbeef")
	assert.Equal(t, StatusInvalid, v.Verify(id, "tryon", h))
}

func TestVerifyRejectsWrongIdentityOrAction(t *testing.T) {
	v := testVerifier()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	alice := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}
	bob := identity.Identity{UserID: uuid.New(), IP: "10.0.0.2"}

	h := header(v, alice, "tryon", now.Unix())
	assert.Equal(t, StatusInvalid, v.Verify(bob, "tryon", h))
	assert.Equal(t, StatusInvalid, v.Verify(alice, "video", h))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := testVerifier()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	stale := now.Add(-6 * time.Minute).Unix()
	assert.Equal(t, StatusInvalid, v.Verify(id, "tryon", header(v, id, "tryon", stale)))

	future := now.Add(6 * time.Minute).Unix()
	assert.Equal(t, StatusInvalid, v.Verify(id, "tryon", header(v, id, "tryon", future)))

	edge := now.Add(-4 * time.Minute).Unix()
	assert.Equal(t, StatusValid, v.Verify(id, "tryon", header(v, id, "tryon", edge)))
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	v := testVerifier()
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	for _, h := range []string{"garbage", "t=abc,s=00", "s=00", "t=123"} {
		assert.Equal(t, StatusInvalid, v.Verify(id, "tryon", h), h)
	}
}
