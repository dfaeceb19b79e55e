package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/quorumsec/audita/pkg/ledger"
)

const (
	contextKeyUserID   = "auth_user_id"
	contextKeyPlanTier = "auth_plan_tier"
	bearerPrefix       = "Bearer "
)

type authClaims struct {
	Plan string `json:"plan"`
	jwt.RegisteredClaims
}

func (server *Server) requireAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)

		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
			}
			return server.config.SigningKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}

		tier, err := ledger.ParsePlanTier(claims.Plan)
		if err != nil {
			tier = ledger.PlanFree
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Set(contextKeyPlanTier, tier)
		ctx.Next()
	}
}

func currentUser(ctx *gin.Context) (string, ledger.PlanTier) {
	userID := ctx.GetString(contextKeyUserID)
	tier := ledger.PlanFree
	if value, ok := ctx.Get(contextKeyPlanTier); ok {
		if parsed, ok := value.(ledger.PlanTier); ok {
			tier = parsed
		}
	}
	return userID, tier
}
