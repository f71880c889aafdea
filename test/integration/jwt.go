package integration

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/transport"
)

// Identity is who a test token speaks for.
type Identity struct {
	Subject string
	Tenant  string
	Roles   []string
}

func AcmeOperator() Identity {
	return Identity{Subject: "user-operator", Tenant: "acme", Roles: []string{"campaign_operator"}}
}

// AcmeApprover decides HITL tasks at acme.
func AcmeApprover() Identity {
	return Identity{Subject: "user-approver", Tenant: "acme", Roles: []string{"campaign_approver"}}
}

// GlobexOperator belongs to a second tenant and must never see acme data.
func GlobexOperator() Identity {
	return Identity{Subject: "user-rival", Tenant: "globex", Roles: []string{"campaign_operator"}}
}

// tokenIssuer mints the HS256 tokens the harness server is configured to
// accept.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-test-secret"),
		issuer:   "https://auth.nexrel.test",
		audience: "nexrel-crm-test",
	}
}

func (ti *tokenIssuer) GenerateToken(id Identity) string {
	return ti.sign(id, time.Now(), time.Hour)
}

// GenerateExpiredToken returns a token whose exp is an hour in the past,
// well beyond the configured leeway.
func (ti *tokenIssuer) GenerateExpiredToken(id Identity) string {
	return ti.sign(id, time.Now().Add(-2*time.Hour), time.Hour)
}

// GenerateForeignToken is correctly shaped but signed by another secret.
func (ti *tokenIssuer) GenerateForeignToken(id Identity) string {
	forged := *ti
	forged.secret = []byte("someone-else")
	return forged.GenerateToken(id)
}

func (ti *tokenIssuer) sign(id Identity, issuedAt time.Time, ttl time.Duration) string {
	claims := transport.OperatorClaims{
		TenantID: id.Tenant,
		Roles:    id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Audience:  jwt.ClaimStrings{ti.audience},
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("sign operator token: " + err.Error())
	}
	return signed
}
