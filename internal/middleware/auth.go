package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	apperrors "github.com/sociofly/notification-engine/pkg/errors"
	"github.com/sociofly/notification-engine/pkg/httputil"
	"github.com/sociofly/notification-engine/pkg/security"
)

const HeaderAPIKey = "X-API-Key"

var (
	errMissingKey = errors.New("missing api key")
	errInvalidKey = errors.New("invalid api key")
)

// APIKeyAuth guards the control surface with a single shared key whose
// bcrypt hash lives in config.
type APIKeyAuth struct {
	hash   string
	hasher security.KeyHasher
	// digests of keys that already passed bcrypt
	verified *cache.Cache
}

// NewAPIKeyAuth returns nil when hash is empty; Require then lets every
// request through.
func NewAPIKeyAuth(hash string, hasher security.KeyHasher) *APIKeyAuth {
	if hash == "" {
		return nil
	}
	return &APIKeyAuth{
		hash:     hash,
		hasher:   hasher,
		verified: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Require accepts the key from X-API-Key or an "Authorization: Bearer" header.
func (m *APIKeyAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				key = strings.TrimSpace(parts[1])
			}
		}
		if key == "" {
			httputil.AbortWithError(c, apperrors.Unauthorized(errMissingKey))
			return
		}

		sum := sha256.Sum256([]byte(key))
		digest := hex.EncodeToString(sum[:])
		if _, ok := m.verified.Get(digest); !ok {
			if err := m.hasher.Compare(m.hash, key); err != nil {
				httputil.AbortWithError(c, apperrors.Unauthorized(errInvalidKey))
				return
			}
			m.verified.SetDefault(digest, struct{}{})
		}

		c.Next()
	}
}
