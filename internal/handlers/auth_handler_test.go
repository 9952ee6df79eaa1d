package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/utils"
)

func TestRecoverSignerAcceptsBothRecoveryForms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := LoginMessage("abc", 1700000000)

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	got, err := RecoverSigner(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	sig[crypto.RecoveryIDOffset] += 27
	got, err = RecoverSigner(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a different message recovers someone else
	got, err = RecoverSigner(msg+"!", hexutil.Encode(sig))
	require.NoError(t, err)
	assert.NotEqual(t, want, got)

	_, err = RecoverSigner(msg, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNonceStoreSingleUseAndExpiry(t *testing.T) {
	s := newNonceStore(time.Minute)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	n, _, err := s.issue()
	require.NoError(t, err)
	assert.Equal(t, n, messageNonce(LoginMessage(n, now.Unix())))
	assert.True(t, s.consume(n))
	assert.False(t, s.consume(n))

	n, _, err = s.issue()
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.False(t, s.consume(n))
}

func TestTokenIssuerRejectsForeignTokens(t *testing.T) {
	a := NewTokenIssuer("a", time.Hour)
	b := NewTokenIssuer("b", time.Hour)
	tok, err := a.IssueAdminToken("ops")
	require.NoError(t, err)

	claims, err := a.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "admin", claims.Role)

	_, err = b.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("wrap: %w", agent.ErrNotOwner), http.StatusForbidden, "NOT_OWNER"},
		{agent.ErrRecordNotFound, http.StatusNotFound, "RECORD_NOT_FOUND"},
		{agent.ErrRedeemUnavailable, http.StatusConflict, "REDEEM_UNAVAILABLE"},
		{agent.ErrUnknownChain, http.StatusBadRequest, "UNKNOWN_CHAIN"},
		{repository.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{custody.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{utils.ErrInvalidAddress, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		code, name := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.name, name)
	}
}
