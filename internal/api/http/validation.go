package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-runtime/bridge/internal/types"
)

// Request limits
const (
	MaxBodySize   = 2 * 1024 * 1024 // 2MB, covers base64 bytecode
	MaxSourceSize = 256 * 1024
	MaxJSONDepth  = 32
	MaxTimeoutMS  = 5 * 60 * 1000
)

// BodyLimit caps request bodies at maxBytes
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("request body exceeds %d bytes", maxBytes),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// ValidateJSONDepth checks that decoded JSON nests no deeper than maxDepth
func ValidateJSONDepth(data any, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data any, currentDepth, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSource rejects empty and oversized handler source
func validateSource(source string) error {
	if source == "" {
		return fmt.Errorf("source is required")
	}
	if len(source) > MaxSourceSize {
		return fmt.Errorf("source size %d bytes exceeds maximum %d bytes", len(source), MaxSourceSize)
	}
	return nil
}

// validateContext bounds the nesting of caller supplied maps
func validateContext(ec *types.Context) error {
	if ec == nil {
		return fmt.Errorf("context is required")
	}
	for name, m := range map[string]map[string]any{
		"stateSnapshot": ec.State,
		"args":          ec.Args,
		"scope":         ec.Scope,
	} {
		if err := ValidateJSONDepth(m, MaxJSONDepth); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateTimeout(ms int64) error {
	if ms < 0 || ms > MaxTimeoutMS {
		return fmt.Errorf("timeoutMs must be between 0 and %d", MaxTimeoutMS)
	}
	return nil
}
