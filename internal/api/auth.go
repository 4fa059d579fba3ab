package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Claims is the bearer token payload. The identity service has already
// resolved the caller to a patient or doctor record.
type Claims struct {
	Role      Role   `json:"role"`
	PatientID string `json:"patient_id,omitempty"`
	DoctorID  string `json:"doctor_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified caller attached to the request context.
type Principal struct {
	Subject   string
	Role      Role
	PatientID uuid.UUID
	DoctorID  uuid.UUID
}

const principalKey contextKey = "principal"

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// IssueToken signs an HS256 token for the given identity.
func IssueToken(secret []byte, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if p.PatientID != uuid.Nil {
		claims.PatientID = p.PatientID.String()
	}
	if p.DoctorID != uuid.Nil {
		claims.DoctorID = p.DoctorID.String()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var errBadClaims = errors.New("token claims do not match role")

func parseToken(secret []byte, raw string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, jwt.ErrTokenSignatureInvalid
	}

	p := Principal{Subject: claims.Subject, Role: claims.Role}
	switch claims.Role {
	case RolePatient:
		if p.PatientID, err = uuid.Parse(claims.PatientID); err != nil {
			return Principal{}, errBadClaims
		}
	case RoleDoctor:
		if p.DoctorID, err = uuid.Parse(claims.DoctorID); err != nil {
			return Principal{}, errBadClaims
		}
	case RoleAdmin:
	default:
		return Principal{}, errBadClaims
	}
	return p, nil
}

// Authenticate verifies the bearer token and stores the Principal.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing_token", "authorization header is required")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid_token", "authorization must be a bearer token")
				return
			}

			p, err := parseToken(secret, strings.TrimSpace(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_token", "authentication required")
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden_role", "role "+string(p.Role)+" may not call this endpoint")
		})
	}
}
