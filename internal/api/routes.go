package api

import (
	"net/http"

	"donation-api/internal/metrics"
	"donation-api/internal/middleware"
	"donation-api/internal/services"

	"github.com/gin-gonic/gin"
)

// Dependencies are the services the handlers use. Metrics may be nil.
type Dependencies struct {
	Flow        *services.DonationFlowService
	Guard       services.FlowGuard
	Leaderboard *services.LeaderboardService
	Users       *services.UserService
	Clients     middleware.ClientValidator
	Metrics     *metrics.Metrics
}

// Handler serves the HTTP API
type Handler struct {
	flow        *services.DonationFlowService
	guard       services.FlowGuard
	leaderboard *services.LeaderboardService
	users       *services.UserService
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		flow:        deps.Flow,
		guard:       deps.Guard,
		leaderboard: deps.Leaderboard,
		users:       deps.Users,
	}
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, deps Dependencies) {
	h := NewHandler(deps)

	if deps.Metrics != nil {
		r.Use(deps.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// Donation submission (requires app client authentication)
		donations := api.Group("/donations")
		{
			donations.POST("", middleware.ClientAuthMiddleware(deps.Clients), h.CreateDonation)
			donations.GET("/recent", h.GetRecentDonations)
		}

		users := api.Group("/users")
		{
			users.GET("/:nickname", h.GetUser)
			users.GET("/:nickname/donations", h.GetUserDonations)
		}

		leaderboard := api.Group("/leaderboard")
		{
			leaderboard.GET("", h.GetLeaderboard)
			leaderboard.GET("/top", h.GetTopRankers)
			leaderboard.GET("/stats", h.GetLeaderboardStats)
			leaderboard.GET("/rank/:nickname", h.GetUserRank)
			leaderboard.GET("/around/:nickname", h.GetRankingsAround)
		}

		api.GET("/nicknames/:nickname/available", h.CheckNickname)
		api.GET("/products", h.GetProducts)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "donation-api",
		})
	})
}
