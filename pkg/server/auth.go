package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims holds the JWT claims for an authenticated API client.
type Claims struct {
	ClientID string `json:"client_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// AuthService issues and checks tokens for the configured API clients.
type AuthService struct {
	jwtKey []byte
	expiry time.Duration

	mu      sync.RWMutex
	clients map[string]APIClient
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated and tokens do not survive a restart.
func NewAuthService(clients []APIClient, jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	a := &AuthService{jwtKey: key, expiry: expiry}
	a.SetClients(clients)
	return a
}

// SetClients replaces the client list. Issued tokens stay valid.
func (a *AuthService) SetClients(clients []APIClient) {
	m := make(map[string]APIClient, len(clients))
	for _, c := range clients {
		m[c.ID] = c
	}
	a.mu.Lock()
	a.clients = m
	a.mu.Unlock()
}

// Login checks a client secret against its bcrypt hash and returns a JWT.
func (a *AuthService) Login(id, secret string) (string, error) {
	a.mu.RLock()
	client, ok := a.clients[id]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	now := time.Now()
	claims := Claims{
		ClientID: client.ID,
		Admin:    client.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "hyperhomes",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a JWT token string.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// RefreshToken creates a new token with a fresh expiry for an existing
// valid token. Clients removed from the config cannot refresh.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}
	a.mu.RLock()
	client, ok := a.clients[claims.ClientID]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("client %q no longer configured", claims.ClientID)
	}

	now := time.Now()
	claims.Admin = client.Admin
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// HashSecret returns the bcrypt hash to put in an api_clients entry.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for jwt_secret config.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
