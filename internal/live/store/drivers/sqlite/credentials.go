package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
)

// defaultSlot is the only row the client writes. The slot column exists so a
// future multi-account client does not need a schema change.
const defaultSlot = "default"

type credentialsRepo struct {
	db     *sql.DB
	sealer *cryptox.Sealer
}

func aad(slot, column string) []byte {
	return []byte("credentials/" + slot + "/" + column)
}

func (r *credentialsRepo) LoadCredential(ctx context.Context) (domain.Credential, error) {
	const q = `
SELECT subject_id, email, premium, access_token, refresh_token, expires_at, updated_at
FROM credentials WHERE slot = ?`

	var (
		c                domain.Credential
		premium          int64
		sealedA, sealedR []byte
		expires, updated int64
	)
	err := r.db.QueryRowContext(ctx, q, defaultSlot).Scan(
		&c.SubjectID, &c.Email, &premium, &sealedA, &sealedR, &expires, &updated,
	)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}

	access, err := r.sealer.Open(sealedA, aad(defaultSlot, "access_token"))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sqlite: open access token: %w", err)
	}
	refresh, err := r.sealer.Open(sealedR, aad(defaultSlot, "refresh_token"))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sqlite: open refresh token: %w", err)
	}

	c.AccessToken = string(access)
	c.RefreshToken = string(refresh)
	c.Premium = premium != 0
	c.ExpiresAt = fromMillis(expires)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func (r *credentialsRepo) SaveCredential(ctx context.Context, c domain.Credential) error {
	sealedA, err := r.sealer.Seal([]byte(c.AccessToken), aad(defaultSlot, "access_token"))
	if err != nil {
		return err
	}
	sealedR, err := r.sealer.Seal([]byte(c.RefreshToken), aad(defaultSlot, "refresh_token"))
	if err != nil {
		return err
	}

	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	premium := 0
	if c.Premium {
		premium = 1
	}

	const q = `
INSERT INTO credentials (slot, subject_id, email, premium, access_token, refresh_token, token_fingerprint, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
    subject_id = excluded.subject_id,
    email = excluded.email,
    premium = excluded.premium,
    access_token = excluded.access_token,
    refresh_token = excluded.refresh_token,
    token_fingerprint = excluded.token_fingerprint,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, q,
		defaultSlot, c.SubjectID, c.Email, premium, sealedA, sealedR,
		cryptox.FingerprintToken(c.RefreshToken), toMillis(c.ExpiresAt), toMillis(updated),
	)
	return err
}

func (r *credentialsRepo) ClearCredential(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE slot = ?`, defaultSlot)
	return err
}
