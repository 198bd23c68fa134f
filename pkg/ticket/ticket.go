// Package ticket issues and verifies run tickets: RS256 JWTs whose run_id
// claim grants read access to one gate run.
package ticket

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// RS256 algorithm for ticket signing
	SigningAlgorithm = "RS256"
	// A ticket only needs to outlive the splash screen and a few replays.
	DefaultTicketExpiry = 10 * time.Minute
	// Key ID for JWK rotation
	KeyID = "splash-gate-key-1"
)

// ErrRunMismatch means a valid ticket was presented for another run.
var ErrRunMismatch = errors.New("ticket does not grant access to this run")

// Claims is the ticket payload.
type Claims struct {
	jwt.RegisteredClaims
	RunID string `json:"run_id"`
}

// Service signs and verifies tickets.
type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a set of JSON Web Keys
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// NewService parses an RSA private key in PKCS#8 or PKCS#1 PEM form.
func NewService(issuer, audience string, privateKeyPEM []byte) (*Service, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var rsaKey *rsa.PrivateKey
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		k, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		rsaKey = k
	} else {
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey = k
	}

	return &Service{
		privateKey: rsaKey,
		publicKey:  &rsaKey.PublicKey,
		issuer:     issuer,
		audience:   audience,
	}, nil
}

// GenerateKeyPair generates a new RSA key pair
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// IssueTicket signs a ticket for runID and returns it with its ID.
func (s *Service) IssueTicket(runID string, expiry time.Duration) (string, string, error) {
	if runID == "" {
		return "", "", fmt.Errorf("run id is required")
	}
	if expiry <= 0 {
		expiry = DefaultTicketExpiry
	}
	now := time.Now()
	ticketID := uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "run_" + runID,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        ticketID,
		},
		RunID: runID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = KeyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return signed, ticketID, nil
}

// ValidateTicket verifies signature, expiry, issuer and audience.
func (s *Service) ValidateTicket(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != SigningAlgorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse ticket: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.RunID != "" {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid ticket claims")
}

// ValidateForRun validates the ticket and checks it was issued for runID.
func (s *Service) ValidateForRun(tokenString, runID string) (*Claims, error) {
	claims, err := s.ValidateTicket(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.RunID != runID {
		return nil, ErrRunMismatch
	}
	return claims, nil
}

// GetJWKS returns the JSON Web Key Set for public key distribution
func (s *Service) GetJWKS() *JWKSet {
	return &JWKSet{Keys: []JWK{{
		Kty: "RSA",
		Kid: KeyID,
		Use: "sig",
		Alg: SigningAlgorithm,
		N:   base64.RawURLEncoding.EncodeToString(s.publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.publicKey.E)).Bytes()),
	}}}
}

// ExportPrivateKeyPEM exports the private key as PEM
func ExportPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// ExportPublicKeyPEM exports the public key as PEM
func ExportPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
