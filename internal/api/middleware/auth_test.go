package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/auth"
	"github.com/lakowske/net-servers/internal/procconfig"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func testAdminConfig() *procconfig.Config {
	cfg := procconfig.Default()
	cfg.Admin.JWTSecret = "test-secret-key-for-testing"
	cfg.Admin.JWTIssuer = "test-issuer"
	cfg.Admin.TokenExpiration = 24 * time.Hour
	return cfg
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testAdminConfig()

	t.Run("Valid token allows access", func(t *testing.T) {
		router := setupTestRouter()

		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			username, _ := c.Get("username")
			role, _ := c.Get("role")

			c.JSON(http.StatusOK, gin.H{
				"username": username,
				"role":     role,
			})
		})

		token, err := auth.GenerateOperatorToken("testuser", "admin", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "testuser")
		assert.Contains(t, w.Body.String(), "admin")
	})

	t.Run("Missing Authorization header returns 401", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "authorization header required")
	})

	t.Run("Invalid Authorization header format returns 401", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		testCases := []struct {
			name   string
			header string
		}{
			{"No Bearer prefix", "invalid-token"},
			{"Wrong prefix", "Basic invalid-token"},
			{"Only Bearer", "Bearer"},
			{"Empty after Bearer", "Bearer "},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
				req.Header.Set("Authorization", tc.header)

				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)

				assert.Equal(t, http.StatusUnauthorized, w.Code)
			})
		}
	})

	t.Run("Invalid token returns 401", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid or expired token")
	})

	t.Run("Expired token returns 401", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		token, err := auth.GenerateOperatorToken("testuser", "admin", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, -1*time.Hour)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid or expired token")
	})

	t.Run("Token signed with wrong secret returns 401", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.GET("/protected", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		wrongSecret := "wrong-secret-key"
		token, err := auth.GenerateOperatorToken("testuser", "admin", wrongSecret, cfg.Admin.JWTIssuer, 24*time.Hour)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid or expired token")
	})

	t.Run("User context is properly set", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))

		var capturedUsername, capturedRole string
		router.GET("/protected", func(c *gin.Context) {
			username, exists := c.Get("username")
			if exists {
				capturedUsername = username.(string)
			}
			role, exists := c.Get("role")
			if exists {
				capturedRole = role.(string)
			}
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		token, err := auth.GenerateOperatorToken("anotheruser", "operator", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "anotheruser", capturedUsername)
		assert.Equal(t, "operator", capturedRole)
	})
}

func TestRequireRole(t *testing.T) {
	cfg := testAdminConfig()

	t.Run("Admin can access admin-only endpoint", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.Use(RequireRole("admin"))
		router.GET("/admin", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "admin access granted"})
		})

		token, err := auth.GenerateOperatorToken("adminuser", "admin", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "admin access granted")
	})

	t.Run("Non-admin cannot access admin-only endpoint", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.Use(RequireRole("admin"))
		router.GET("/admin", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "admin access granted"})
		})

		token, err := auth.GenerateOperatorToken("regularuser", "operator", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient permissions")
	})

	t.Run("Admin can access operator-level endpoint", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.Use(RequireRole("operator"))
		router.GET("/operator", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "operator access granted"})
		})

		token, err := auth.GenerateOperatorToken("adminuser", "admin", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/operator", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "operator access granted")
	})

	t.Run("Operator can access operator-level endpoint", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.Use(RequireRole("operator"))
		router.GET("/operator", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "operator access granted"})
		})

		token, err := auth.GenerateOperatorToken("regularuser", "operator", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/operator", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "operator access granted")
	})

	t.Run("Missing role in context returns 403", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(RequireRole("admin"))
		router.GET("/admin", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "admin access granted"})
		})

		req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "no role in context")
	})

	t.Run("Custom role cannot access different role endpoint", func(t *testing.T) {
		router := setupTestRouter()
		router.Use(AuthMiddleware(cfg))
		router.Use(RequireRole("manager"))
		router.GET("/manager", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "manager access granted"})
		})

		token, err := auth.GenerateOperatorToken("regularuser", "operator", cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenExpiration)
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/manager", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient permissions")
	})
}
