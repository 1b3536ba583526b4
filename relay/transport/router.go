package transport

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/chat/cipher"
	"github.com/seedchat/seedchat/internal/log"
	intsync "github.com/seedchat/seedchat/internal/sync"
	"github.com/seedchat/seedchat/internal/validation"
	"github.com/seedchat/seedchat/internal/workflow"
	"github.com/seedchat/seedchat/relay/store"
)

const (
	// GCM appends a 16 byte tag, so no valid ciphertext is shorter
	minCiphertextLen = 16

	publishRate  = rate.Limit(10)
	publishBurst = 20
)

type Router struct {
	store    store.MessageStore
	hub      *wsHub
	engine   *gin.Engine
	logger   *log.Logger
	limiters *intsync.Map[string, *rate.Limiter]

	closeCtx context.Context
	close    context.CancelFunc
}

func NewRouter(st store.MessageStore, logger *log.Logger) *Router {
	if st == nil {
		panic("message store is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("seedchat-relay"))

	// browser clients join from arbitrary origins; room ids carry no secret
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	closeCtx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:    st,
		hub:      newWSHub(st, logger),
		engine:   engine,
		logger:   logger.Module("Router"),
		limiters: intsync.NewMap[string, *rate.Limiter](),
		closeCtx: closeCtx,
		close:    cancel,
	}

	r.setupRoutes()
	return r
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

// Shutdown terminates live WebSocket sessions and their fanouts.
func (r *Router) Shutdown() {
	r.close()
	r.hub.Shutdown()
}

func (r *Router) setupRoutes() {
	r.engine.POST("/api/rooms/:roomId/messages", r.publish)
	r.engine.GET("/api/rooms/:roomId/messages", r.history)
	r.engine.GET("/api/rooms/:roomId/ws", r.subscribe)

	r.engine.GET("/health", r.healthCheck)
}

func (r *Router) limiter(roomID string) *rate.Limiter {
	if l, ok := r.limiters.Load(roomID); ok {
		return l
	}
	l, _ := r.limiters.LoadOrStore(roomID, rate.NewLimiter(publishRate, publishBurst))
	return l
}

func (r *Router) publish(c *gin.Context) {
	var uriParams RoomURI
	if err := c.ShouldBindUri(&uriParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	if !r.limiter(uriParams.RoomID).Allow() {
		requestsThrottled.Add(c.Request.Context(), 1)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "Rate limit exceeded",
		})
		return
	}

	var body PublishBody
	if err := c.ShouldBindJSON(&body); err != nil {
		envelopesRejected.Add(c.Request.Context(), 1)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}
	if !validEnvelope(body) {
		envelopesRejected.Add(c.Request.Context(), 1)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Malformed envelope",
		})
		return
	}

	ctx := c.Request.Context()
	createdAt, err := r.store.Append(ctx, uriParams.RoomID, chat.Envelope{
		IV:         body.IV,
		Ciphertext: body.Ciphertext,
	})
	if err != nil {
		r.logger.Error("failed to append envelope",
			log.String("roomId", uriParams.RoomID),
			log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Storage failure",
		})
		return
	}

	envelopesAccepted.Add(ctx, 1)
	c.JSON(http.StatusOK, gin.H{
		"created_at": createdAt,
	})
}

// validEnvelope checks the decoded sizes. The relay cannot verify the
// ciphertext itself, only that it is shaped like one.
func validEnvelope(body PublishBody) bool {
	iv, err := base64.StdEncoding.DecodeString(body.IV)
	if err != nil || len(iv) != cipher.IVLen {
		return false
	}
	ct, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil || len(ct) < minCiphertextLen {
		return false
	}
	return true
}

func (r *Router) history(c *gin.Context) {
	var uriParams RoomURI
	if err := c.ShouldBindUri(&uriParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	ctx := c.Request.Context()
	msgs, err := r.store.History(ctx, uriParams.RoomID)
	if err != nil {
		r.logger.Error("failed to read history",
			log.String("roomId", uriParams.RoomID),
			log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Storage failure",
		})
		return
	}

	historyRequests.Add(ctx, 1)
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
	})
}

func (r *Router) subscribe(c *gin.Context) {
	var uriParams RoomURI
	if err := c.ShouldBindUri(&uriParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Warn("websocket upgrade failed",
			log.String("roomId", uriParams.RoomID),
			log.Error(err))
		return
	}

	// the session ends when the peer goes away or the router shuts down
	ctx, cancel := workflow.WithEitherDone(c.Request.Context(), r.closeCtx)
	defer cancel()

	connID := r.hub.AddClient(uriParams.RoomID, conn)
	wsConnected.Add(ctx, 1)

	// clients never send; Read returns when the peer goes away
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	r.hub.RemoveClient(uriParams.RoomID, connID)
	wsDisconnected.Add(ctx, 1)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
