package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	OwnerIDKey = "owner_id"
	RolesKey   = "roles"
)

// validateHS256JWT 校验 HS256 签名及 exp/nbf/iat，返回 claims
func validateHS256JWT(token, secret string, now time.Time) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	var header map[string]interface{}
	if err := decodeSegment(headerB64, &header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if alg, _ := header["alg"].(string); alg != "HS256" {
		return nil, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid signature")
	}

	var claims map[string]interface{}
	if err := decodeSegment(payloadB64, &claims); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	nowSec := now.Unix()
	checks := []struct {
		claim string
		ok    func(int64) bool
	}{
		{"nbf", func(sec int64) bool { return nowSec >= sec }},
		{"iat", func(sec int64) bool { return nowSec >= sec }},
		{"exp", func(sec int64) bool { return nowSec < sec }},
	}
	for _, c := range checks {
		if v, ok := claims[c.claim].(float64); ok && !c.ok(int64(v)) {
			return nil, errors.New("token time constraint failed: " + c.claim)
		}
	}
	return claims, nil
}

func decodeSegment(seg string, out interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return errors.New("bad encoding")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.New("bad json")
	}
	return nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt>. On success it sets OwnerIDKey
// (from user_id or sub) and RolesKey on the gin context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			abortUnauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := validateHS256JWT(token, secret, time.Now())
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		owner := claimString(claims["user_id"])
		if owner == "" {
			owner = claimString(claims["sub"])
		}
		if owner == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(OwnerIDKey, owner)
		if roles := normalizeStringList(claims["roles"]); len(roles) > 0 {
			c.Set(RolesKey, roles)
		}
		c.Next()
	}
}

// RequireRole 要求当前用户拥有指定角色之一
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		have := c.GetStringSlice(RolesKey)
		for _, want := range roles {
			for _, r := range have {
				if r == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}

// OwnerID returns the authenticated owner, or "" outside AuthMiddleware.
func OwnerID(c *gin.Context) string {
	return c.GetString(OwnerIDKey)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

// claimString 数字 id 统一转成字符串
func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func normalizeStringList(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case []interface{}:
		for _, it := range t {
			if s, ok := it.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(t, ",")
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
