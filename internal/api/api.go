// Package api serves the relay's HTTP surface: health, stats, the room
// registry, room minting and the websocket endpoint.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/clipboard"
	"github.com/manpreetbhatti/clipsync/internal/db"
	"github.com/manpreetbhatti/clipsync/internal/ratelimit"
	"github.com/manpreetbhatti/clipsync/internal/room"
	"github.com/manpreetbhatti/clipsync/internal/ws"
)

type Config struct {
	// BaseAddress is used to mint share links when a request names none.
	BaseAddress    string
	AllowedOrigins []string
}

type API struct {
	hub      *ws.Hub
	registry db.Registry
	resolver *room.Resolver
	joins    *ratelimit.ClientLimiters
	logger   *zap.Logger
	config   Config
}

// New wires the handlers. registry and joins may be nil.
func New(hub *ws.Hub, registry db.Registry, resolver *room.Resolver, joins *ratelimit.ClientLimiters, logger *zap.Logger, config Config) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = room.NewResolver(room.WithLogger(logger))
	}
	return &API{
		hub:      hub,
		registry: registry,
		resolver: resolver,
		joins:    joins,
		logger:   logger,
		config:   config,
	}
}

// Router builds the gin engine with every route mounted.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(a.logger), gin.Recovery())
	r.Use(cors.New(a.corsConfig()))

	r.GET("/health", a.HealthHandler)
	r.GET("/ws", a.WebsocketHandler)

	v := r.Group("/api")
	v.GET("/stats", a.StatsHandler)
	v.GET("/resolve", a.ResolveHandler)
	v.GET("/rooms", a.ListRoomsHandler)
	v.POST("/rooms", a.CreateRoomHandler)
	v.GET("/rooms/:id", a.GetRoomHandler)
	v.DELETE("/rooms/:id", a.DeleteRoomHandler)
	return r
}

func (a *API) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(a.config.AllowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(origin string) bool { return true }
	} else {
		cfg.AllowOrigins = a.config.AllowedOrigins
	}
	return cfg
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) WebsocketHandler(c *gin.Context) {
	ws.ServeWs(a.hub, a.joins, c.Writer, c.Request)
}

func (a *API) StatsHandler(c *gin.Context) {
	stats := gin.H{
		"active_rooms": a.hub.GetRoomCount(),
		"active_peers": a.hub.GetClientCount(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	if a.registry != nil {
		dbStats, err := a.registry.GetStats(c.Request.Context())
		if err != nil {
			a.logger.Warn("registry stats failed", zap.Error(err))
		} else {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_joins"] = dbStats.TotalJoins
		}
	}

	c.JSON(http.StatusOK, stats)
}

type ResolveResponse struct {
	Room    string `json:"room"`
	Address string `json:"address"`
	Minted  bool   `json:"minted"`
}

func resolution(res room.Resolution) ResolveResponse {
	return ResolveResponse{Room: res.ID.String(), Address: res.Address, Minted: res.Minted}
}

func (a *API) ResolveHandler(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		errorResponse(c, http.StatusBadRequest, "address is required")
		return
	}
	c.JSON(http.StatusOK, resolution(a.resolver.Resolve(address)))
}

type CreateRoomRequest struct {
	Base string `json:"base"`
}

// CreateRoomHandler mints a new room, optionally on top of a given address.
func (a *API) CreateRoomHandler(c *gin.Context) {
	var req CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	base := req.Base
	if base == "" {
		base = a.config.BaseAddress
	}
	if base == "" {
		errorResponse(c, http.StatusBadRequest, "base address is required")
		return
	}

	c.JSON(http.StatusCreated, resolution(a.resolver.Regenerate(base)))
}

type RoomResponse struct {
	Namespace   string     `json:"namespace"`
	ID          string     `json:"id"`
	ActivePeers int        `json:"active_peers"`
	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	TotalJoins  int64      `json:"total_joins"`
	PeakPeers   int        `json:"peak_peers"`
}

func (a *API) roomResponse(r db.Room) RoomResponse {
	first, last := r.FirstSeen, r.LastSeen
	return RoomResponse{
		Namespace:   r.Namespace,
		ID:          r.ID,
		ActivePeers: a.hub.RoomPeers(r.Namespace, r.ID),
		FirstSeen:   &first,
		LastSeen:    &last,
		TotalJoins:  r.TotalJoins,
		PeakPeers:   r.PeakPeers,
	}
}

func (a *API) ListRoomsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	if a.registry == nil {
		active := a.hub.GetActiveRooms()
		response := make([]RoomResponse, 0, len(active))
		for _, r := range active {
			response = append(response, RoomResponse{Namespace: r.Namespace, ID: r.Room, ActivePeers: r.Peers})
		}
		c.JSON(http.StatusOK, gin.H{"rooms": response, "limit": limit, "offset": offset})
		return
	}

	rooms, err := a.registry.ListRooms(c.Request.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list rooms", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, r := range rooms {
		response[i] = a.roomResponse(r)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": response, "limit": limit, "offset": offset})
}

// roomParams reads the room path parameter and the ns query parameter,
// which defaults to the clipboard namespace.
func roomParams(c *gin.Context) (string, room.ID, error) {
	id, err := room.ParseID(c.Param("id"))
	if err != nil {
		return "", "", err
	}
	ns := c.DefaultQuery("ns", clipboard.Namespace)
	if ns == "" {
		return "", "", errors.New("namespace is required")
	}
	return ns, id, nil
}

func (a *API) GetRoomHandler(c *gin.Context) {
	ns, id, err := roomParams(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var r *db.Room
	if a.registry != nil {
		r, err = a.registry.GetRoom(c.Request.Context(), ns, id.String())
		if err != nil {
			a.logger.Error("get room", zap.Error(err))
			errorResponse(c, http.StatusInternalServerError, "failed to get room")
			return
		}
	}
	if r != nil {
		c.JSON(http.StatusOK, a.roomResponse(*r))
		return
	}

	active := a.hub.RoomPeers(ns, id.String())
	if active == 0 {
		errorResponse(c, http.StatusNotFound, "room not found")
		return
	}
	c.JSON(http.StatusOK, RoomResponse{Namespace: ns, ID: id.String(), ActivePeers: active})
}

// DeleteRoomHandler forgets a room's registry row. Connected peers are not
// affected.
func (a *API) DeleteRoomHandler(c *gin.Context) {
	ns, id, err := roomParams(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if a.registry == nil {
		errorResponse(c, http.StatusNotImplemented, "no registry configured")
		return
	}
	if err := a.registry.DeleteRoom(c.Request.Context(), ns, id.String()); err != nil {
		a.logger.Error("delete room", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "failed to delete room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "room deleted"})
}
