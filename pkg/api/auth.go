package api

import (
	"errors"
	"strings"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// localsClient is the fiber.Ctx local holding the *kernel.ClientContext.
const localsClient = "client"

// Claims are the client credentials carried by an access token.
type Claims struct {
	ClientID kernel.ClientID `json:"client_id"`
	Scopes   []string        `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 client tokens. Credential issuance
// belongs to the identity provider; Issue exists for operators and tests.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokenService(secret string, ttl time.Duration, issuer string) *TokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if issuer == "" {
		issuer = "qorch"
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, issuer: issuer}
}

// Issue signs a token for client with scopes.
func (s *TokenService) Issue(client kernel.ClientID, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: client,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   client.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses and verifies a token.
func (s *TokenService) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, invalidToken(err)
	}
	if !parsed.Valid || claims.ClientID.IsEmpty() {
		return nil, invalidToken(errors.New("token carries no client id"))
	}
	return claims, nil
}

// Authenticate requires a bearer token and attaches the client identity to
// both the fiber locals and the request's user context.
func Authenticate(tokens *TokenService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || raw == "" {
			return apiErrors.New(ErrMissingToken)
		}

		claims, err := tokens.Validate(raw)
		if err != nil {
			return err
		}

		cc := &kernel.ClientContext{ClientID: claims.ClientID, Scopes: claims.Scopes}
		c.Locals(localsClient, cc)
		c.SetUserContext(kernel.WithClient(c.UserContext(), cc))
		return c.Next()
	}
}
