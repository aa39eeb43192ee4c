package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/config"
)

const (
	testIssuer   = "https://id.example.com"
	testClientID = "releasegate"
)

type testIssuerKeys struct {
	key    *rsa.PrivateKey
	signer jose.Signer
}

func newTestIssuerKeys(t *testing.T) *testIssuerKeys {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	return &testIssuerKeys{key: key, signer: signer}
}

func (k *testIssuerKeys) sign(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := k.signer.Sign(payload)
	require.NoError(t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func (k *testIssuerKeys) verifier() *oidc.IDTokenVerifier {
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&k.key.PublicKey}}
	return oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testClientID})
}

func validClaims(expiry time.Time) map[string]interface{} {
	return map[string]interface{}{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "idp|42",
		"email": "Dana@Example.com",
		"name":  "Dana",
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"exp":   expiry.Unix(),
	}
}

func TestOIDCAdapter_Verify(t *testing.T) {
	keys := newTestIssuerKeys(t)
	adapter := NewOIDCAdapterWithVerifier(keys.verifier(), &oauth2.Config{ClientID: testClientID})
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("valid token", func(t *testing.T) {
		identity, err := adapter.Verify(ctx, keys.sign(t, validClaims(expiry)))
		require.NoError(t, err)
		assert.Equal(t, "idp|42", identity.Subject)
		assert.Equal(t, "dana@example.com", identity.Email)
		assert.Equal(t, "Dana", identity.Name)
		assert.True(t, expiry.Equal(identity.ExpiresAt))
	})

	t.Run("expired token", func(t *testing.T) {
		_, err := adapter.Verify(ctx, keys.sign(t, validClaims(time.Now().Add(-time.Hour))))
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := validClaims(expiry)
		claims["aud"] = "someone-else"
		_, err := adapter.Verify(ctx, keys.sign(t, claims))
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("signed by another key", func(t *testing.T) {
		other := newTestIssuerKeys(t)
		_, err := adapter.Verify(ctx, other.sign(t, validClaims(expiry)))
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("missing email", func(t *testing.T) {
		claims := validClaims(expiry)
		delete(claims, "email")
		_, err := adapter.Verify(ctx, keys.sign(t, claims))
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("unverified email", func(t *testing.T) {
		claims := validClaims(expiry)
		claims["email_verified"] = false
		_, err := adapter.Verify(ctx, keys.sign(t, claims))
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := adapter.Verify(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

		_, err = adapter.Verify(ctx, "")
		assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})
}

func TestOIDCAdapter_Exchange(t *testing.T) {
	keys := newTestIssuerKeys(t)
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	idToken := keys.sign(t, validClaims(expiry))

	withIDToken := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.Form.Get("code"))

		body := map[string]interface{}{
			"access_token": "opaque",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if withIDToken {
			body["id_token"] = idToken
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	adapter := NewOIDCAdapterWithVerifier(keys.verifier(), &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: server.URL + "/authorize", TokenURL: server.URL + "/token"},
		RedirectURL:  "https://releasegate.example.com/auth/callback",
		Scopes:       []string{oidc.ScopeOpenID, "email"},
	})
	ctx := context.Background()

	session, err := adapter.Exchange(ctx, "the-code")
	require.NoError(t, err)
	assert.Equal(t, idToken, session.Token)
	assert.True(t, expiry.Equal(session.ExpiresAt))

	_, err = adapter.Exchange(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	withIDToken = false
	_, err = adapter.Exchange(ctx, "the-code")
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	assert.Contains(t, adapter.AuthCodeURL("xyz"), "state=xyz")
}

func TestValidateConfig(t *testing.T) {
	valid := config.IdentityConfig{
		IssuerURL: testIssuer,
		ClientID:  testClientID,
		Scopes:    []string{"openid", "email"},
	}
	assert.NoError(t, ValidateConfig(valid))

	noIssuer := valid
	noIssuer.IssuerURL = ""
	assert.Error(t, ValidateConfig(noIssuer))

	noClient := valid
	noClient.ClientID = ""
	assert.Error(t, ValidateConfig(noClient))

	noOpenID := valid
	noOpenID.Scopes = []string{"email"}
	assert.Error(t, ValidateConfig(noOpenID))
}
