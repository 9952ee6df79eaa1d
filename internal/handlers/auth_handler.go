package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/dto"
	"bridge-agent/internal/utils"
)

const tokenIssuer = "bridge-agent"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownNonce     = errors.New("unknown or expired nonce")
)

// TokenIssuer signs and validates HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// IssueUserToken token for a wallet that proved control of address.
func (t *TokenIssuer) IssueUserToken(address common.Address) (string, error) {
	return t.sign(dto.JWTClaims{Address: address.Hex(), Role: dto.RoleUser}, address.Hex())
}

// IssueAdminToken token for an operator.
func (t *TokenIssuer) IssueAdminToken(username string) (string, error) {
	return t.sign(dto.JWTClaims{Username: username, Role: dto.RoleAdmin}, username)
}

func (t *TokenIssuer) sign(claims dto.JWTClaims, subject string) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
		Subject:   subject,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Validate parses tokenString and checks signature, expiry and issuer.
func (t *TokenIssuer) Validate(tokenString string) (*dto.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &dto.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*dto.JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// nonceStore hands out single-use login challenges.
type nonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

func (s *nonceStore) issue() (string, time.Time, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	nonce := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for n, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, n)
		}
	}
	expires := now.Add(s.ttl)
	s.entries[nonce] = expires
	return nonce, expires, nil
}

// consume removes nonce, reporting whether it was live.
func (s *nonceStore) consume(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[nonce]
	if !ok {
		return false
	}
	delete(s.entries, nonce)
	return !s.now().After(exp)
}

// LoginMessage is the text a wallet signs to log in.
func LoginMessage(nonce string, ts int64) string {
	return fmt.Sprintf("Bridge Agent Authentication\nNonce: %s\nTimestamp: %d", nonce, ts)
}

// messageNonce extracts the nonce line of a login message.
func messageNonce(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if v, ok := strings.CutPrefix(line, "Nonce: "); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over message.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// AuthHandler wallet login
type AuthHandler struct {
	tokens *TokenIssuer
	nonces *nonceStore
	log    *logrus.Logger
}

func NewAuthHandler(tokens *TokenIssuer, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, nonces: newNonceStore(5 * time.Minute), log: log}
}

// GetNonceHandler GET /api/auth/nonce
func (h *AuthHandler) GetNonceHandler(c *gin.Context) {
	nonce, expires, err := h.nonces.issue()
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to generate login nonce")
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Success: false, Error: "failed to generate nonce", Code: "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, dto.NonceResponse{
		Success:   true,
		Nonce:     nonce,
		Message:   LoginMessage(nonce, time.Now().Unix()),
		ExpiresAt: expires.Unix(),
	})
}

// AuthenticateHandler POST /api/auth/login
func (h *AuthHandler) AuthenticateHandler(c *gin.Context) {
	var req dto.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.AuthResponse{Success: false, Message: err.Error()})
		return
	}

	address, err := utils.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.AuthResponse{Success: false, Message: err.Error()})
		return
	}
	if !h.nonces.consume(messageNonce(req.Message)) {
		c.JSON(http.StatusUnauthorized, dto.AuthResponse{Success: false, Message: ErrUnknownNonce.Error()})
		return
	}
	signer, err := RecoverSigner(req.Message, req.Signature)
	if err != nil || signer != address {
		h.log.WithField("address", address.Hex()).Warn("⚠️ Wallet signature verification failed")
		c.JSON(http.StatusUnauthorized, dto.AuthResponse{Success: false, Message: ErrInvalidSignature.Error()})
		return
	}

	token, err := h.tokens.IssueUserToken(address)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to issue token")
		c.JSON(http.StatusInternalServerError, dto.AuthResponse{Success: false, Message: "failed to issue token"})
		return
	}

	h.log.WithField("address", address.Hex()).Info("✅ Wallet authenticated")
	c.JSON(http.StatusOK, dto.AuthResponse{Success: true, Token: token, Message: "success"})
}
