package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Roles carried by fleet tokens.
const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

// Claims identify a caller of the control plane API. Workers carry their
// worker ID; operator tokens leave it empty.
type Claims struct {
	WorkerID string `json:"worker_id,omitempty"`
	Role     string `json:"role"`
	// Standard claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

var (
	secret   []byte
	issuer   = "ansible-fleet"
	audience = "fleet-api"
)

func init() {
	env := os.Getenv("FLEET_TOKEN_SECRET")
	switch {
	case env == "":
		fmt.Println("WARNING: FLEET_TOKEN_SECRET not set. Using insecure default, acceptable for local dev only.")
		secret = []byte("insecure_default_secret_for_dev_mode_only_32bytes")
	case len(env) < 32:
		panic("FLEET_TOKEN_SECRET must be at least 32 characters long")
	default:
		secret = []byte(env)
	}
}

// GenerateToken signs a token for the given worker (or an operator token
// when workerID is empty). Tokens expire after 24 hours.
func GenerateToken(workerID, role string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		WorkerID:  workerID,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + 86400,
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	signed := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return signed + "." + computeHMAC(signed, secret), nil
}

// ValidateToken verifies the signature and standard claims.
func ValidateToken(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	signed := parts[0] + "." + parts[1]
	want := computeHMAC(signed, secret)
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if now < claims.NotBefore {
		return nil, errors.New("token not yet valid")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}
	return &claims, nil
}

func computeHMAC(message string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(data)
}
