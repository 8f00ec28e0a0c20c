package user

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher turns a plaintext credential into an opaque, one-way hash.
// The directory only needs Hash; Verify is there for login flows built on top.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Argon2Hasher produces PHC strings: $argon2id$v=19$m=65536,t=3,p=2$salt$hash
type Argon2Hasher struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Hasher follows the OWASP baseline for argon2id.
func DefaultArgon2Hasher() Argon2Hasher {
	return Argon2Hasher{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

func (a Argon2Hasher) Hash(pw string) (string, error) {
	salt := make([]byte, a.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pw), salt, a.Iterations, a.Memory, a.Parallelism, a.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.Memory, a.Iterations, a.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a Argon2Hasher) Verify(hash, pw string) bool {
	p, salt, key, err := decodeArgon2(hash)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(pw), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, other) == 1
}

var errBadArgon2Hash = errors.New("invalid argon2id hash")

func decodeArgon2(encoded string) (Argon2Hasher, []byte, []byte, error) {
	var p Argon2Hasher
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errBadArgon2Hash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errBadArgon2Hash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, errBadArgon2Hash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errBadArgon2Hash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, errBadArgon2Hash
	}
	return p, salt, key, nil
}

// HasherFromEnv picks the algorithm named by PASSWORD_ALGO (bcrypt by default).
// BCRYPT_COST overrides the bcrypt work factor.
func HasherFromEnv() (PasswordHasher, error) {
	switch algo := os.Getenv("PASSWORD_ALGO"); algo {
	case "", "bcrypt":
		cost := 12
		if v := os.Getenv("BCRYPT_COST"); v != "" {
			c, err := strconv.Atoi(v)
			if err != nil || c < bcrypt.MinCost || c > bcrypt.MaxCost {
				return nil, fmt.Errorf("invalid BCRYPT_COST %q", v)
			}
			cost = c
		}
		return BcryptHasher{Cost: cost}, nil
	case "argon2id", "argon2":
		return DefaultArgon2Hasher(), nil
	default:
		return nil, fmt.Errorf("unknown PASSWORD_ALGO %q", algo)
	}
}
