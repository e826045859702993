package api

import (
	"errors"
	"net/http"
	"strconv"

	"donation-api/internal/models"
	"donation-api/internal/response"
	"donation-api/internal/services"
	"donation-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// queryInt reads an integer query parameter, 0 when missing or malformed
func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

func storeErrorJSON(c *gin.Context, err error, what string) {
	if errors.Is(err, models.ErrNotFound) {
		response.ErrorJSON(c, http.StatusNotFound, what+" not found")
		return
	}
	logging.Errorf("Failed to load %s: %v", what, err)
	response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load "+what)
}

// GetLeaderboard returns ?limit= users starting at ?offset=
func (h *Handler) GetLeaderboard(c *gin.Context) {
	entries, err := h.leaderboard.Leaderboard(c.Request.Context(), queryInt(c, "limit"), queryInt(c, "offset"))
	if err != nil {
		storeErrorJSON(c, err, "leaderboard")
		return
	}
	response.SuccessJSON(c, entries)
}

func (h *Handler) GetTopRankers(c *gin.Context) {
	entries, err := h.leaderboard.TopRankers(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		storeErrorJSON(c, err, "leaderboard")
		return
	}
	response.SuccessJSON(c, entries)
}

func (h *Handler) GetLeaderboardStats(c *gin.Context) {
	stats, err := h.leaderboard.Stats(c.Request.Context())
	if err != nil {
		storeErrorJSON(c, err, "leaderboard stats")
		return
	}
	response.SuccessJSON(c, stats)
}

func (h *Handler) GetUserRank(c *gin.Context) {
	entry, err := h.leaderboard.UserRank(c.Request.Context(), c.Param("nickname"))
	if err != nil {
		storeErrorJSON(c, err, "user rank")
		return
	}
	response.SuccessJSON(c, entry)
}

// GetRankingsAround returns ?range= users above and below the user
func (h *Handler) GetRankingsAround(c *gin.Context) {
	entries, err := h.leaderboard.RankingsAround(c.Request.Context(), c.Param("nickname"), queryInt(c, "range"))
	if err != nil {
		storeErrorJSON(c, err, "user rank")
		return
	}
	response.SuccessJSON(c, entries)
}

func (h *Handler) GetRecentDonations(c *gin.Context) {
	donations, err := h.leaderboard.RecentDonations(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		storeErrorJSON(c, err, "recent donations")
		return
	}
	response.SuccessJSON(c, donations)
}

// GetUser returns the user's aggregate and rank
func (h *Handler) GetUser(c *gin.Context) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.Param("nickname"))
	if err != nil {
		storeErrorJSON(c, err, "user")
		return
	}
	response.SuccessJSON(c, profile)
}

func (h *Handler) GetUserDonations(c *gin.Context) {
	donations, err := h.users.Donations(c.Request.Context(), c.Param("nickname"), queryInt(c, "limit"))
	if err != nil {
		storeErrorJSON(c, err, "donations")
		return
	}
	response.SuccessJSON(c, donations)
}

// CheckNickname reports whether a nickname is valid and free
func (h *Handler) CheckNickname(c *gin.Context) {
	nickname := c.Param("nickname")
	available, err := h.users.CheckNicknameAvailable(c.Request.Context(), nickname)
	if err != nil {
		if errors.Is(err, services.ErrInvalidNickname) {
			response.ErrorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
		storeErrorJSON(c, err, "nickname")
		return
	}
	response.SuccessJSON(c, gin.H{
		"nickname":  nickname,
		"available": available,
	})
}
