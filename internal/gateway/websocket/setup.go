package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway serves a local browser UI; transports outside the core
	// own real origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Setup registers the gateway routes on the gin engine. ctx bounds the
// lifetime of connection pumps.
func Setup(ctx context.Context, router *gin.Engine, hub *Hub, log *logger.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})

	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump(ctx)
	})
}
