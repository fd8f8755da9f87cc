package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
	"gorm.io/gorm"
)

const currentUserKey = "currentUser"

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS(allowedOrigins string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	})
}

func bearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// loadUser resolves the token to a stored user. The stored role wins over
// the role in the claims, so demotions apply before the token expires.
func (a *AuthMiddleware) loadUser(c *fiber.Ctx, tokenString string) (*models.User, error) {
	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := a.DB.WithContext(c.UserContext()).First(&user, "id = ?", claims.UserID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func setCurrentUser(c *fiber.Ctx, user *models.User) {
	c.Locals(currentUserKey, user)
	c.Locals("userID", user.ID.String())
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		logger.Warn("jwt_missing_header", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authorization header")
	}

	tokenString := bearerToken(authHeader)
	if tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"ip":          c.IP(),
			"path":        c.Path(),
			"auth_header": authHeader[:min(len(authHeader), 20)] + "...",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid authorization format")
	}

	user, err := a.loadUser(c, tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	if !user.IsActive {
		logger.WarnWithUser(user.ID.String(), "inactive_user_rejected", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusForbidden, "account is disabled")
	}

	setCurrentUser(c, user)
	return c.Next()
}

// OptionalAuth attaches the user when a valid token is present and
// otherwise lets the request through anonymously.
func (a *AuthMiddleware) OptionalAuth(c *fiber.Ctx) error {
	tokenString := bearerToken(c.Get("Authorization"))
	if tokenString == "" {
		return c.Next()
	}

	user, err := a.loadUser(c, tokenString)
	if err != nil || !user.IsActive {
		return c.Next()
	}

	setCurrentUser(c, user)
	return c.Next()
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if !user.Role.Privileged() {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}
