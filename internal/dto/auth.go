package dto

import "github.com/golang-jwt/jwt/v5"

// ==================== Auth DTOs ====================

// AuthRequest Wallet login: an EIP-191 personal_sign over Message, which
// must embed a nonce issued by GET /api/auth/nonce.
type AuthRequest struct {
	Address   string `json:"address" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"` // 65 byte hex, v in {0,1,27,28}
}

// AuthResponse Authentication response structure
type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// NonceResponse challenge to be signed by the wallet
type NonceResponse struct {
	Success   bool   `json:"success"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at"`
}

// AdminLoginRequest password plus TOTP second factor
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// JWTClaims JWT Claims structure. Address is set for user tokens,
// Username for admin tokens.
type JWTClaims struct {
	Address  string `json:"address,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}
