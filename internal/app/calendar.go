package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"booking-scheduler/internal/calendar"
)

const stateTTL = 10 * time.Minute

var errBadState = errors.New("invalid or expired state")

// signState binds the OAuth round trip to a provider. The state is a short-lived HS256
// JWT whose subject is the provider id.
func (a *App) signState(providerID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   providerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.StateSecret)
}

func (a *App) parseState(state string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(state, &claims, hmacKey(a.StateSecret)); err != nil {
		return "", errBadState
	}
	if claims.Subject == "" {
		return "", errBadState
	}
	return claims.Subject, nil
}

// GET /api/admin/providers/:id/calendar/google/auth
// Returns the consent URL; Google redirects back to /oauth2callback.
func (a *App) GoogleAuthHandler(c *gin.Context) {
	if a.GoogleOAuth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google Calendar not configured"})
		return
	}

	state, err := a.signState(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	url := a.GoogleOAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	c.JSON(http.StatusOK, gin.H{
		"auth_url": url,
		"state":    state,
	})
}

// GET /oauth2callback?code=...&state=...
// Exchanges the code and stores the connection for the provider named in state.
func (a *App) GoogleOAuth2CallbackHandler(c *gin.Context) {
	if a.GoogleOAuth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google Calendar not configured"})
		return
	}
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied: " + e})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization code not provided"})
		return
	}
	providerID, err := a.parseState(c.Query("state"))
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	token, err := a.GoogleOAuth.Exchange(ctx, code)
	if err != nil {
		a.Logger.Warn("google token exchange failed", "provider_id", providerID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to exchange token"})
		return
	}

	conn := calendar.Connection{
		ProviderID:            providerID,
		Provider:              calendar.Google,
		AccessToken:           token.AccessToken,
		RefreshToken:          token.RefreshToken,
		TokenExpiresAt:        token.Expiry,
		CheckForConflicts:     true,
		AddBookingsToCalendar: true,
		Active:                true,
	}
	if err := a.Store.UpsertCalendarConnection(ctx, &conn); err != nil {
		a.writeError(c, err)
		return
	}
	a.Logger.Info("calendar connected", "provider_id", providerID, "calendar", conn.Provider)
	c.JSON(http.StatusOK, gin.H{
		"message":    "Google Calendar connected",
		"connection": conn,
	})
}
