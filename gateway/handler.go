package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/auth"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/session"
)

// closeUnauthorized is sent when the upgrade carries no valid identity.
const closeUnauthorized websocket.StatusCode = 4001

// Gateway upgrades authenticated HTTP requests to client connections.
type Gateway struct {
	ctx      context.Context
	sessions *session.Manager
	secret   []byte
	logger   zerolog.Logger
}

// New creates a gateway backed by the given session manager. Cancelling
// ctx closes every connection the gateway has accepted.
func New(ctx context.Context, sessions *session.Manager, secret []byte) *Gateway {
	return &Gateway{
		ctx:      ctx,
		sessions: sessions,
		secret:   secret,
		logger:   log.GetLogger("gateway"),
	}
}

// Handle serves GET /ws. The connection is upgraded first so an invalid
// cookie can be refused with a distinguishable close code.
func (g *Gateway) Handle(c *gin.Context) {
	// Gin wraps the response writer; websocket.Accept needs the raw one
	// for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin is enforced by the cookie
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Prevent middleware from writing headers on the hijacked connection
	c.Abort()
	log.MarkHijacked(c)

	identity, err := g.authenticate(c.Request)
	if err != nil {
		g.logger.Info().Err(err).Str("remote", c.Request.RemoteAddr).Msg("unauthorized websocket")
		conn.Close(closeUnauthorized, "unauthorized")
		return
	}

	g.logger.Info().
		Str("user", identity.Username).
		Str("remote", c.Request.RemoteAddr).
		Msg("client connected")

	client := newClient(g.ctx, g.sessions, identity)
	client.run(conn)
	conn.Close(websocket.StatusNormalClosure, "")

	g.logger.Debug().Str("user", identity.Username).Msg("client disconnected")
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, error) {
	cookie, err := r.Cookie(auth.CookieName)
	if err != nil {
		return nil, err
	}
	return auth.Verify(g.secret, cookie.Value)
}
