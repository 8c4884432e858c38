package booking

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// tokenLength gives 43 url-safe characters, about 256 bits.
const tokenLength = 43

func newToken() (string, error) {
	tok, err := gonanoid.New(tokenLength)
	if err != nil {
		return "", fmt.Errorf("booking: generate token: %w", err)
	}
	return tok, nil
}

// NewIdentity mints ids and the two single-purpose tokens for a new booking.
func NewIdentity() (Identity, error) {
	cancelTok, err := newToken()
	if err != nil {
		return Identity{}, err
	}
	reschedTok, err := newToken()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:                uuid.NewString(),
		UID:               uuid.NewString(),
		CancellationToken: cancelTok,
		RescheduleToken:   reschedTok,
		PaymentID:         uuid.NewString(),
	}, nil
}
