// Package httpapi serves the loopback HTTP control API.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/auth"
)

var log = logging.Logger("httpapi")

// TokenHeader carries the pairing token when no bearer token is sent
const TokenHeader = "X-Audara-Token"

// SetupRouter creates and configures the Gin router.
func SetupRouter(api *API, clients *auth.Clients) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/pair", api.Pair)

	authed := r.Group("/", tokenMiddleware(clients))
	{
		authed.GET("/status", api.Status)

		authed.GET("/queue", api.Queue)
		authed.POST("/queue", api.Enqueue)
		authed.DELETE("/queue", api.Clear)

		authed.POST("/play/:index", api.PlayAt)
		authed.POST("/next", api.Next)
		authed.POST("/previous", api.Previous)
		authed.POST("/pause", api.Pause)
		authed.POST("/resume", api.Resume)
		authed.POST("/seek", api.Seek)
		authed.POST("/volume", api.Volume)
		authed.POST("/loop", api.ToggleLoop)

		authed.GET("/search", api.Search)

		authed.GET("/session", api.Session)
		authed.POST("/session/connect", api.Connect)
		authed.POST("/session/disconnect", api.Disconnect)
		authed.POST("/session/login", api.Login)
		authed.POST("/session/logout", api.Logout)

		authed.GET("/playlists", api.Playlists)
		authed.GET("/playlists/:id/songs", api.PlaylistSongs)
		authed.POST("/playlists/:id/play", api.PlayPlaylist)

		authed.POST("/admin/:action", api.Admin)
	}

	return r
}

// tokenMiddleware rejects requests without a paired client token
func tokenMiddleware(clients *auth.Clients) gin.HandlerFunc {
	return func(c *gin.Context) {
		remote := c.ClientIP()
		if clients.IsLockedOut(remote) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many failed attempts"})
			return
		}

		token := c.GetHeader(TokenHeader)
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if !clients.ValidateToken(token) {
			clients.RecordAuthFailure(remote)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debugf("%s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}
