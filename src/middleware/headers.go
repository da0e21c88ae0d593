package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders sets the baseline response headers. Cache-Control no-store
// matters most here: envelopes and decrypted content must never land in a
// shared cache.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
