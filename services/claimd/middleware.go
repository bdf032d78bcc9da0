package claimd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"claimengine/crypto"
)

// AdminScope must be present in admin bearer tokens.
const AdminScope = "claims:admin"

type callerKey struct{}

// CallerFromContext returns the admin principal attached by the auth middleware.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey{}).([20]byte)
	return caller, ok
}

// adminAuth validates HS256 bearer tokens. The subject is the caller address;
// the engine itself decides whether that address is the owner.
type adminAuth struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	logger   *slog.Logger
}

func newAdminAuth(cfg AdminConfig, logger *slog.Logger) *adminAuth {
	return &adminAuth{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     time.Minute,
		logger:   logger,
	}
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing bearer token")
			return
		}
		caller, err := a.authenticate(token)
		if err != nil {
			a.logger.Warn("admin token rejected", "error", err)
			if errors.Is(err, errInsufficientScope) {
				writeError(w, http.StatusForbidden, "Forbidden", "insufficient scope")
				return
			}
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var errInsufficientScope = errors.New("insufficient scope")

func (a *adminAuth) authenticate(tokenString string) ([20]byte, error) {
	var caller [20]byte
	if len(a.secret) == 0 {
		return caller, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return caller, err
	}
	if !token.Valid {
		return caller, errors.New("token invalid")
	}
	if !hasScope(claims, AdminScope) {
		return caller, errInsufficientScope
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return caller, err
	}
	caller, err = crypto.ParseAddress(subject)
	if err != nil {
		return caller, fmt.Errorf("subject: %w", err)
	}
	return caller, nil
}

func hasScope(claims jwt.MapClaims, required string) bool {
	switch value := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(value) {
			if scope == required {
				return true
			}
		}
	case []interface{}:
		for _, entry := range value {
			if scope, ok := entry.(string); ok && scope == required {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// IssueAdminToken mints an admin bearer token for caller. Used by operators
// and tests.
func IssueAdminToken(secret string, caller [20]byte, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   crypto.FromRaw(caller).Hex(),
		"scope": AdminScope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles claim submissions per client IP.
type rateLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	idle       time.Duration
	trustProxy bool
	visitors   map[string]*visitor
	now        func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		idle:       5 * time.Minute,
		trustProxy: cfg.TrustProxyHeaders,
		visitors:   make(map[string]*visitor),
		now:        time.Now,
	}
}

func (r *rateLimiter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
	entry, ok := r.visitors[id]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientID(req, r.trustProxy)) {
			writeError(w, http.StatusTooManyRequests, "RateLimited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// clientID keys a request by its peer address. Forwarding headers are client
// controlled, so they are consulted only when trustProxy is set.
func clientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if parsed := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); parsed != nil {
			return parsed.String()
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
