package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eugenenazirov/restplate/internal/rest"
)

const tokenKeyBytes = 20

var (
	// ErrInvalidUserID indicates a token was requested for an empty user id.
	ErrInvalidUserID = errors.New("user id must not be empty")
)

// Token is an API key issued to a user.
type Token struct {
	Key     string    `gorm:"primaryKey;size:40" json:"key"`
	UserID  string    `gorm:"uniqueIndex;size:64;not null" json:"user_id"`
	Created time.Time `gorm:"not null" json:"created"`
}

// TableName keeps tokens in the authtoken component's table.
func (Token) TableName() string { return "authtoken_token" }

// Storage issues, resolves and revokes API tokens.
type Storage interface {
	rest.TokenStore
	Issue(ctx context.Context, userID string) (Token, error)
	Revoke(ctx context.Context, key string) error
	List(ctx context.Context) ([]Token, error)
}

// MemoryStorage keeps tokens in-memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu     sync.RWMutex
	clock  func() time.Time
	byKey  map[string]Token
	byUser map[string]string
}

// NewMemoryStorage returns an empty token store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clock:  func() time.Time { return time.Now().UTC() },
		byKey:  make(map[string]Token),
		byUser: make(map[string]string),
	}
}

// Lookup returns the user id owning key.
func (s *MemoryStorage) Lookup(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.byKey[key]
	if !ok {
		return "", rest.ErrUnknownToken
	}
	return token.UserID, nil
}

// Issue returns the user's token, creating one when none exists.
func (s *MemoryStorage) Issue(_ context.Context, userID string) (Token, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return Token{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.byUser[userID]; ok {
		return s.byKey[key], nil
	}

	key, err := GenerateKey()
	if err != nil {
		return Token{}, err
	}
	token := Token{Key: key, UserID: userID, Created: s.clock()}
	s.byKey[key] = token
	s.byUser[userID] = key
	return token, nil
}

// Revoke deletes key. Unknown keys are reported as rest.ErrUnknownToken.
func (s *MemoryStorage) Revoke(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.byKey[key]
	if !ok {
		return rest.ErrUnknownToken
	}
	delete(s.byKey, key)
	delete(s.byUser, token.UserID)
	return nil
}

// List returns a copy of all tokens ordered by user id.
func (s *MemoryStorage) List(_ context.Context) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Token, 0, len(s.byKey))
	for _, token := range s.byKey {
		out = append(out, token)
	}
	sortTokens(out)
	return out, nil
}

// GormStorage keeps tokens in the database.
type GormStorage struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStorage wraps db. Call Migrate before first use on a fresh database.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the token table.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Token{})
}

// Lookup returns the user id owning key.
func (s *GormStorage) Lookup(ctx context.Context, key string) (string, error) {
	var token Token
	err := s.db.WithContext(ctx).Where(keyIs(key)).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", rest.ErrUnknownToken
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return token.UserID, nil
}

// Issue returns the user's token, creating one when none exists.
func (s *GormStorage) Issue(ctx context.Context, userID string) (Token, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return Token{}, err
	}

	var token Token
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).Take(&token).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		key, err := GenerateKey()
		if err != nil {
			return err
		}
		token = Token{Key: key, UserID: userID, Created: s.clock()}
		return tx.Create(&token).Error
	})
	if err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// Revoke deletes key. Unknown keys are reported as rest.ErrUnknownToken.
func (s *GormStorage) Revoke(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where(keyIs(key)).Delete(&Token{})
	if res.Error != nil {
		return fmt.Errorf("revoke token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return rest.ErrUnknownToken
	}
	return nil
}

// List returns all tokens ordered by user id.
func (s *GormStorage) List(ctx context.Context) ([]Token, error) {
	var tokens []Token
	if err := s.db.WithContext(ctx).Order("user_id").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// GenerateKey returns a random 40 character hex key.
func GenerateKey() (string, error) {
	buf := make([]byte, tokenKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// keyIs quotes the column name, key is a keyword in sqlite.
func keyIs(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidUserID
	}
	return userID, nil
}

func sortTokens(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].UserID < tokens[j].UserID
	})
}
