package mqttc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 required for SCRAM-SHA-1 compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM errors.
var (
	// ErrSCRAMProtocol is returned when the server sends a SCRAM message
	// that violates the exchange.
	ErrSCRAMProtocol = errors.New("SCRAM protocol error")

	// ErrSCRAMServerSignature is returned when the server's final
	// signature does not verify, meaning the server does not actually
	// know the credentials.
	ErrSCRAMServerSignature = errors.New("SCRAM server signature mismatch")
)

// EnhancedAuth drives a v5 enhanced authentication exchange from the client
// side. The client carries Method and InitialData in CONNECT, answers each
// server AUTH challenge with Continue, and checks the final server data
// with Verify before accepting CONNACK.
type EnhancedAuth interface {
	// Method returns the authentication method name, for example
	// "SCRAM-SHA-256".
	Method() string

	// InitialData returns the first authentication data to carry in the
	// CONNECT packet.
	InitialData() ([]byte, error)

	// Continue processes server challenge data from an AUTH packet and
	// returns the client's response data.
	Continue(serverData []byte) ([]byte, error)

	// Verify checks the server's final data for mutual authentication.
	Verify(serverData []byte) error
}

// SCRAMHash selects the hash algorithm for SCRAM authentication.
type SCRAMHash int

const (
	// SCRAMHashSHA1 uses SHA-1 (legacy compatibility only).
	SCRAMHashSHA1 SCRAMHash = iota
	// SCRAMHashSHA256 uses SHA-256 (recommended).
	SCRAMHashSHA256
	// SCRAMHashSHA512 uses SHA-512.
	SCRAMHashSHA512
)

// String returns the MQTT auth method name for this hash.
func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA256:
		return "SCRAM-SHA-256"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

// hashFunc returns the hash.Hash constructor for this algorithm.
func (h SCRAMHash) hashFunc() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA256:
		return sha256.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// keySize returns the key size in bytes for this hash.
func (h SCRAMHash) keySize() int {
	switch h {
	case SCRAMHashSHA1:
		return 20
	case SCRAMHashSHA256:
		return 32
	case SCRAMHashSHA512:
		return 64
	default:
		return 32
	}
}

// SCRAMClient implements the client side of SCRAM enhanced authentication
// over v5 AUTH packets. It holds exchange state and is good for one
// authentication; the client resets it on every connect attempt.
type SCRAMClient struct {
	username string
	password string
	hash     SCRAMHash

	clientNonce     string
	clientFirstBare string
	serverSignature []byte
	exchanged       bool
}

// NewSCRAMClient creates a SCRAM authenticator for the given credentials.
func NewSCRAMClient(username, password string, hash SCRAMHash) *SCRAMClient {
	return &SCRAMClient{
		username: username,
		password: password,
		hash:     hash,
	}
}

// Method returns the authentication method name.
func (s *SCRAMClient) Method() string {
	return s.hash.String()
}

// InitialData builds the client-first-message. It also resets any state
// from a previous exchange.
func (s *SCRAMClient) InitialData() ([]byte, error) {
	nonce, err := generateScramNonce()
	if err != nil {
		return nil, err
	}

	s.clientNonce = nonce
	s.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeScramName(s.username), s.clientNonce)
	s.serverSignature = nil
	s.exchanged = false

	// GS2 header: no channel binding
	return []byte("n,," + s.clientFirstBare), nil
}

// Continue processes the server-first-message and returns the
// client-final-message carrying the proof.
func (s *SCRAMClient) Continue(serverData []byte) ([]byte, error) {
	if s.exchanged || s.clientNonce == "" {
		return nil, ErrSCRAMProtocol
	}

	serverFirst := string(serverData)
	serverNonce, saltB64, iterStr := parseScramServerFirst(serverFirst)
	if serverNonce == "" || saltB64 == "" || iterStr == "" {
		return nil, ErrSCRAMProtocol
	}

	// The server nonce must extend ours, not replace it
	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return nil, ErrSCRAMProtocol
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, ErrSCRAMProtocol
	}

	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, ErrSCRAMProtocol
	}

	hashFunc := s.hash.hashFunc()

	// SaltedPassword = PBKDF2(password, salt, iterations, keySize, Hash)
	saltedPassword := pbkdf2.Key([]byte(s.password), salt, iterations, s.hash.keySize(), hashFunc)

	// ClientKey = HMAC(SaltedPassword, "Client Key")
	clientKeyHMAC := hmac.New(hashFunc, saltedPassword)
	clientKeyHMAC.Write([]byte("Client Key"))
	clientKey := clientKeyHMAC.Sum(nil)

	// StoredKey = H(ClientKey)
	h := hashFunc()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	clientFinalWithoutProof := fmt.Sprintf("c=biws,r=%s", serverNonce)
	authMessage := fmt.Sprintf("%s,%s,%s", s.clientFirstBare, serverFirst, clientFinalWithoutProof)

	// ClientSignature = HMAC(StoredKey, AuthMessage)
	clientSigHMAC := hmac.New(hashFunc, storedKey)
	clientSigHMAC.Write([]byte(authMessage))
	clientSignature := clientSigHMAC.Sum(nil)

	// ClientProof = ClientKey XOR ClientSignature
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	// ServerKey = HMAC(SaltedPassword, "Server Key"), kept to verify the
	// server-final-message
	serverKeyHMAC := hmac.New(hashFunc, saltedPassword)
	serverKeyHMAC.Write([]byte("Server Key"))
	serverKey := serverKeyHMAC.Sum(nil)

	serverSigHMAC := hmac.New(hashFunc, serverKey)
	serverSigHMAC.Write([]byte(authMessage))
	s.serverSignature = serverSigHMAC.Sum(nil)
	s.exchanged = true

	clientFinal := fmt.Sprintf("%s,p=%s", clientFinalWithoutProof, base64.StdEncoding.EncodeToString(proof))
	return []byte(clientFinal), nil
}

// Verify checks the server-final-message signature for mutual
// authentication.
func (s *SCRAMClient) Verify(serverData []byte) error {
	if !s.exchanged {
		return ErrSCRAMProtocol
	}

	serverFinal := string(serverData)
	if !strings.HasPrefix(serverFinal, "v=") {
		return ErrSCRAMProtocol
	}

	signature, err := base64.StdEncoding.DecodeString(serverFinal[2:])
	if err != nil {
		return ErrSCRAMProtocol
	}

	if !hmac.Equal(signature, s.serverSignature) {
		return ErrSCRAMServerSignature
	}
	return nil
}

// parseScramServerFirst extracts nonce, salt and iteration count from the
// server-first-message: r=<nonce>,s=<salt>,i=<iterations>.
func parseScramServerFirst(msg string) (nonce, salt, iterations string) {
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 {
			continue
		}
		switch part[:2] {
		case "r=":
			nonce = part[2:]
		case "s=":
			salt = part[2:]
		case "i=":
			iterations = part[2:]
		}
	}
	return
}

// escapeScramName escapes '=' and ',' per RFC 5802 saslname rules.
func escapeScramName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

// generateScramNonce creates a cryptographically secure random nonce.
func generateScramNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
