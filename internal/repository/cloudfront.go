package repository

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
)

const cloudFrontURLLifetime = 24 * time.Hour

// cloudFrontSigner creates CloudFront signed urls with a canned policy.
type cloudFrontSigner struct {
	keyPairID string
	key       *rsa.PrivateKey
	now       func() time.Time
}

func newCloudFrontSigner(keyPairID, privateKeyFile string) (*cloudFrontSigner, error) {
	if keyPairID == "" {
		return nil, errdefs.Configf("cloudfront repository needs keypair_id")
	}
	if privateKeyFile == "" {
		return nil, errdefs.Configf("cloudfront repository needs private_key_file")
	}

	data, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, errdefs.Configf("failed to read cloudfront private key: %v", err)
	}

	key, err := parseRSAKey(data)
	if err != nil {
		return nil, err
	}

	return &cloudFrontSigner{keyPairID: keyPairID, key: key, now: time.Now}, nil
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errdefs.Configf("cloudfront private key is not PEM encoded")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errdefs.Configf("failed to parse cloudfront private key: %v", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errdefs.Configf("cloudfront private key is not an RSA key")
	}

	return key, nil
}

func (s *cloudFrontSigner) Sign(rawURL string) (string, error) {
	expires := s.now().Add(cloudFrontURLLifetime).Unix()

	policy := fmt.Sprintf(`{"Statement":[{"Resource":"%s","Condition":{"DateLessThan":{"AWS:EpochTime":%d}}}]}`, rawURL, expires)

	digest := sha1.Sum([]byte(policy))
	sig, err := rsa.SignPKCS1v15(nil, s.key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign policy: %w", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}

	q := u.Query()
	q.Set("Expires", strconv.FormatInt(expires, 10))
	q.Set("Signature", cloudFrontEncode(sig))
	q.Set("Key-Pair-Id", s.keyPairID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// cloudFrontEncode is base64 with the characters CloudFront rejects in query
// strings swapped out.
func cloudFrontEncode(b []byte) string {
	return strings.NewReplacer("+", "-", "=", "_", "/", "~").Replace(base64.StdEncoding.EncodeToString(b))
}
