package service

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
)

type cursorToken struct {
	CreatedAt time.Time `json:"c"`
	ID        uuid.UUID `json:"i"`
}

// EncodeCursor renders a keyset position as an opaque page token.
func EncodeCursor(c models.Cursor) string {
	raw, _ := json.Marshal(cursorToken{CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (*models.Cursor, error) {
	invalid := dErrors.New(dErrors.CodeValidation, "cursor is malformed").WithDetail("field", "cursor")
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid
	}
	var t cursorToken
	if err := json.Unmarshal(raw, &t); err != nil || t.ID == uuid.Nil || t.CreatedAt.IsZero() {
		return nil, invalid
	}
	return &models.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}, nil
}
