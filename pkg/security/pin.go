package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPINLength is the shortest signature PIN accepted.
const MinPINLength = 8

var (
	ErrHashingFailed = errors.New("pin hashing failed")
	ErrPINTooShort   = errors.New("pin too short")
	ErrPINMismatch   = errors.New("pin does not match")
)

// PINHasher hashes and verifies signature PINs.
type PINHasher interface {
	Hash(pin string) (string, error)
	Compare(hashedPIN, pin string) error
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a new PIN hasher using bcrypt
func NewBcryptHasher(cost int) PINHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &bcryptHasher{cost: cost}
}

func (b *bcryptHasher) Hash(pin string) (string, error) {
	if len(pin) < MinPINLength {
		return "", ErrPINTooShort
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), b.cost)
	if err != nil {
		return "", ErrHashingFailed
	}
	return string(bytes), nil
}

func (b *bcryptHasher) Compare(hashedPIN, pin string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPIN), []byte(pin)); err != nil {
		return ErrPINMismatch
	}
	return nil
}
