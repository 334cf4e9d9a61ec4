package irc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
)

// challenge accumulates the ciphertext chunks of an in-flight
// CHALLENGE oper-up and computes the retort once the server signals
// the end of the ciphertext.
type challenge struct {
	mu     sync.Mutex
	key    *rsa.PrivateKey
	chunks []string
}

// loadChallengeKey reads the oper's RSA private key from a PEM file.
// An encrypted block is decrypted with pass.
func loadChallengeKey(path, pass string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oper key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("oper key %s: no PEM block", path)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		der, err = x509.DecryptPEMBlock(block, []byte(pass))
		if err != nil {
			return nil, fmt.Errorf("decrypt oper key: %w", err)
		}
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	if err == nil {
		return key, nil
	}
	parsed, err2 := x509.ParsePKCS8PrivateKey(der)
	if err2 != nil {
		return nil, fmt.Errorf("parse oper key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("oper key %s: not an RSA key", path)
	}
	return rsaKey, nil
}

func newChallenge(key *rsa.PrivateKey) *challenge {
	return &challenge{key: key}
}

// push appends one base64 ciphertext chunk.
func (c *challenge) push(chunk string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
}

// finalise decrypts the accumulated ciphertext and returns the retort
// to send back, base64(sha1(plaintext)). The chunk buffer is reset for
// any later oper-up attempt.
func (c *challenge) finalise() (string, error) {
	c.mu.Lock()
	joined := strings.Join(c.chunks, "")
	c.chunks = nil
	c.mu.Unlock()

	cipher, err := base64.StdEncoding.DecodeString(joined)
	if err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, c.key, cipher, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt challenge: %w", err)
	}
	sum := sha1.Sum(plain)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
