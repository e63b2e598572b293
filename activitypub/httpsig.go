package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// SignRequest signs an outgoing HTTP request with the given private key
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	// Create signer with required headers
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Sign the request
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignGetRequest signs an outgoing GET (no digest, no body)
func SignGetRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request
// Returns the key owner URI if valid, ErrInvalidSignature otherwise
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	// Create verifier from request
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}

	// Verify the signature
	keyId := verifier.KeyId()
	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Extract actor URI from keyId
	// keyId is usually "https://example.com/users/alice#main-key"
	// We want "https://example.com/users/alice"
	actorURI := strings.Split(keyId, "#")[0]

	return actorURI, nil
}

// KeyIdFromSignature extracts the keyId parameter from a Signature header
// without verifying anything, so the claimed actor can be resolved first
func KeyIdFromSignature(req *http.Request) (string, error) {
	sig := req.Header.Get("Signature")
	if sig == "" {
		return "", fmt.Errorf("%w: missing Signature header", ErrInvalidSignature)
	}
	for _, part := range strings.Split(sig, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "keyId=") {
			return strings.Trim(strings.TrimPrefix(part, "keyId="), `"`), nil
		}
	}
	return "", fmt.Errorf("%w: Signature header has no keyId", ErrInvalidSignature)
}

// VerifyDigest checks the body hash against the Digest header
// (Mastodon-style "SHA-256=base64") or the RFC 9530 Content-Digest header
// ("sha-256=:base64:"). Returns ErrDigestMismatch on disagreement.
func VerifyDigest(header http.Header, body []byte) error {
	digest := header.Get("Digest")
	contentDigest := header.Get("Content-Digest")
	if digest == "" && contentDigest == "" {
		return fmt.Errorf("%w: no digest header present", ErrDigestMismatch)
	}

	hash := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(hash[:])

	if digest != "" {
		parts := strings.SplitN(digest, "=", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "SHA-256") {
			return fmt.Errorf("%w: unsupported digest algorithm %q", ErrDigestMismatch, digest)
		}
		if parts[1] != expected {
			return ErrDigestMismatch
		}
		return nil
	}

	// Content-Digest: sha-256=:BASE64:
	parts := strings.SplitN(contentDigest, "=", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "sha-256") {
		return fmt.Errorf("%w: unsupported digest algorithm %q", ErrDigestMismatch, contentDigest)
	}
	value := strings.TrimSuffix(strings.TrimPrefix(parts[1], ":"), ":")
	if value != expected {
		return ErrDigestMismatch
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
