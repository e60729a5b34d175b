package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps bearer-token sessions in redis. The admin surface is a
// JSON API, so sessions travel in the Authorization header rather than
// cookies.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

type sessionPayload struct {
	UserID  int64     `json:"user_id"`
	Email   string    `json:"email"`
	Created time.Time `json:"created"`
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Create issues a new opaque token for the user.
func (s *SessionStore) Create(ctx context.Context, userID int64, email string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	payload, err := json.Marshal(sessionPayload{UserID: userID, Email: email, Created: time.Now()})
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(token), payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("shared: store session: %w", err)
	}
	return token, nil
}

// Resolve looks a token up and refreshes its TTL.
func (s *SessionStore) Resolve(ctx context.Context, token string) (*Actor, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	_ = s.client.Expire(ctx, s.key(token), s.ttl).Err()
	return &Actor{UserID: payload.UserID, Email: payload.Email}, nil
}

// Destroy removes a token.
func (s *SessionStore) Destroy(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *SessionStore) key(token string) string {
	return "atlas:session:" + token
}
