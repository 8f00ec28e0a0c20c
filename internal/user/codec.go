package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/user/entity"
)

// Cache layout:
//
//	user:<id>  -> {"v":1,"user":{...}}
//	all_users  -> {"v":1,"users":[...]}
//
// Bump cacheSchemaVersion whenever entity.PublicUser changes shape; entries
// written under another version are then read as misses.
const (
	cacheSchemaVersion = 1
	allUsersKey        = "all_users"
	userKeyPrefix      = "user:"
)

// ErrSchemaDrift marks a cache value written under a different schema version.
var ErrSchemaDrift = errors.New("cache schema version mismatch")

func userKey(id string) string { return userKeyPrefix + id }

type userEnvelope struct {
	V    int                `json:"v"`
	User *entity.PublicUser `json:"user"`
}

type userListEnvelope struct {
	V     int                 `json:"v"`
	Users []entity.PublicUser `json:"users"`
}

// isNullMarker reports whether raw is the serialized absence marker.
func isNullMarker(raw string) bool {
	return strings.TrimSpace(raw) == "null"
}

func encodeUser(u *entity.PublicUser) (string, error) {
	b, err := json.Marshal(userEnvelope{V: cacheSchemaVersion, User: u})
	if err != nil {
		return "", fmt.Errorf("encode user: %w", err)
	}
	return string(b), nil
}

// decodeUser returns nil without error for the null marker or an empty envelope.
func decodeUser(raw string) (*entity.PublicUser, error) {
	if isNullMarker(raw) {
		return nil, nil
	}
	var env userEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if env.V != cacheSchemaVersion {
		return nil, fmt.Errorf("%w: user entry v%d", ErrSchemaDrift, env.V)
	}
	return env.User, nil
}

func encodeUserList(users []entity.PublicUser) (string, error) {
	if users == nil {
		users = []entity.PublicUser{}
	}
	b, err := json.Marshal(userListEnvelope{V: cacheSchemaVersion, Users: users})
	if err != nil {
		return "", fmt.Errorf("encode user list: %w", err)
	}
	return string(b), nil
}

// decodeUserList returns a nil slice for the null marker (or a null list) and
// a non-nil slice, possibly empty, for a real list.
func decodeUserList(raw string) ([]entity.PublicUser, error) {
	if isNullMarker(raw) {
		return nil, nil
	}
	// bare arrays predate the envelope
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		return nil, fmt.Errorf("%w: unversioned list entry", ErrSchemaDrift)
	}
	var env userListEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}
	if env.V != cacheSchemaVersion {
		return nil, fmt.Errorf("%w: list entry v%d", ErrSchemaDrift, env.V)
	}
	return env.Users, nil
}
