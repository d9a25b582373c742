package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator validates bearer tokens issued by an external
// identity provider and resolves the "sub" claim as the coordinator
// user id (: the coordinator trusts an already-authenticated
// identity; it does not run its own login flow).
type JWTAuthenticator struct {
	algorithm string
	hmacKey   []byte
	rsaPubKey *rsa.PublicKey
	issuer    string
}

// JWTAuthConfig configures a JWTAuthenticator.
type JWTAuthConfig struct {
	Algorithm     string // HS256 or RS256
	Secret        string // HMAC secret, required for HS256
	PublicKeyFile string // PEM RSA public key, required for RS256
	Issuer        string // optional issuer validation
}

// NewJWTAuthenticator builds a JWTAuthenticator from cfg.
func NewJWTAuthenticator(cfg JWTAuthConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{algorithm: cfg.Algorithm, issuer: cfg.Issuer}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("JWT secret required for HS256")
		}
		a.hmacKey = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("public key file required for RS256")
		}
		pubKey, err := loadRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
		a.rsaPubKey = pubKey
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return a, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) *Identity {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{a.algorithm}))
	if a.issuer != "" {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{a.algorithm}), jwt.WithIssuer(a.issuer))
	}

	_, err := parser.ParseWithClaims(tokenStr, claims, a.keyFunc)
	if err != nil {
		return nil
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil
	}
	return &Identity{Subject: sub}
}

func (a *JWTAuthenticator) keyFunc(token *jwt.Token) (any, error) {
	switch a.algorithm {
	case "HS256":
		return a.hmacKey, nil
	case "RS256":
		return a.rsaPubKey, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", a.algorithm)
	}
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
