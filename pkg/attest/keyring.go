package attest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// Keyring derives per-agent HMAC keys from one master secret using
// HKDF-SHA256, so each agent signs evidence with a unique, deterministic
// key without any per-agent key storage.
type Keyring struct {
	master []byte
}

func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("attest: master secret too short (%d bytes)", len(master))
	}
	return &Keyring{master: master}, nil
}

// KeyFor derives the 32-byte signing key for an agent.
func (k *Keyring) KeyFor(agentID string) ([]byte, error) {
	if agentID == "" {
		return nil, fmt.Errorf("attest: agent id must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, nil, []byte("trustcore:agent:"+agentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("attest: derive key for %s: %w", agentID, err)
	}
	return key, nil
}

type evidenceClaims struct {
	ContentHash string `json:"content_hash"`
	jwt.RegisteredClaims
}

// SignEvidence produces the compact JWS an agent attaches to a record.
// The signature binds the agent id and the payload's content hash.
func (k *Keyring) SignEvidence(record ledger.EvidenceRecord, contentHash string, now time.Time) (string, error) {
	key, err := k.KeyFor(record.AgentID)
	if err != nil {
		return "", err
	}
	claims := evidenceClaims{
		ContentHash: contentHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  record.AgentID,
			ID:       record.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// VerifyEvidence checks a record's JWS against the agent's derived key
// and the stored content hash.
func (k *Keyring) VerifyEvidence(record ledger.EvidenceRecord) error {
	key, err := k.KeyFor(record.AgentID)
	if err != nil {
		return err
	}
	var claims evidenceClaims
	token, err := jwt.ParseWithClaims(record.Signature, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("attest: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("attest: signature parse: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("attest: signature invalid")
	}
	if claims.Subject != record.AgentID {
		return fmt.Errorf("attest: signature subject %q does not match agent %q", claims.Subject, record.AgentID)
	}
	if claims.ContentHash != record.ContentHash {
		return fmt.Errorf("attest: signature binds hash %s, record has %s", claims.ContentHash, record.ContentHash)
	}
	return nil
}
