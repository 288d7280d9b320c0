package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const queryHashAlg = "SHA512"

// Signer produces the bearer credential for authenticated requests.
type Signer struct {
	accessKey string
	secretKey []byte
	nonce     func() string
}

// NewSigner creates a signer with a random UUID nonce per request.
func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
		nonce:     func() string { return uuid.NewString() },
	}
}

// CanonicalQuery encodes params with keys sorted lexicographically and empty values dropped.
// The exact byte string is what the exchange hashes, so the ordering is significant.
func CanonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range params {
		if v == "" {
			continue
		}
		values.Set(k, v)
	}
	return values.Encode() // Encode sorts by key
}

// QueryHash returns the hex SHA-512 digest of a canonical query.
func QueryHash(query string) string {
	sum := sha512.Sum512([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Token signs {access_key, nonce, query_hash, query_hash_alg} with HS256.
// The hash claims are omitted when query is empty.
func (s *Signer) Token(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": s.accessKey,
		"nonce":      s.nonce(),
	}
	if query != "" {
		claims["query_hash"] = QueryHash(query)
		claims["query_hash_alg"] = queryHashAlg
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// AuthorizationHeader returns the value of the Authorization header for query.
func (s *Signer) AuthorizationHeader(query string) (string, error) {
	token, err := s.Token(query)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}
