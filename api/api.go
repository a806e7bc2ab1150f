package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/IchuRisco/mitopia-backend/config"
	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/IchuRisco/mitopia-backend/pkg/cors"
	"github.com/IchuRisco/mitopia-backend/pkg/websocket"
	"github.com/IchuRisco/mitopia-backend/signaling"
	"github.com/IchuRisco/mitopia-backend/storage"
	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type API struct {
	echo    *echo.Echo
	config  *config.Config
	storage storage.Storage
	router  *signaling.Router

	// ctx is cancelled on Close and bounds in-flight event handling.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	served  sync.WaitGroup
}

type roomResponse struct {
	MeetingID         string                     `json:"meetingId"`
	CreatedAt         time.Time                  `json:"createdAt"`
	LastActivity      time.Time                  `json:"lastActivity"`
	Participants      []model.ParticipantSummary `json:"participants"`
	TotalParticipants int                        `json:"totalParticipants"`
	NotesEnabled      bool                       `json:"notesEnabled"`
}

func New(c *config.Config, s storage.Storage, r *signaling.Router) *API {
	ctx, cancel := context.WithCancel(context.Background())
	api := &API{
		echo:    echo.New(),
		config:  c,
		storage: s,
		router:  r,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*websocket.Conn]struct{}),
	}

	api.echo.HideBanner = true
	api.echo.HidePort = true
	api.echo.Use(middleware.Recover())
	api.echo.Use(cors.Middleware(c.AllowedOrigin))

	api.echo.GET("/", api.ping)
	api.echo.GET("/health", api.health)
	api.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	api.echo.GET("/rooms/:meetingID", api.getRoom)
	api.echo.Any("/ws", api.websocket)

	return api
}

func (api *API) Start() error {
	log.Infof("signaling server listening on :%d", api.config.HttpPort)
	return api.echo.Start(":" + strconv.Itoa(api.config.HttpPort))
}

// Close stops accepting requests, closes every websocket connection and waits
// until each one has left its room, or ctx expires.
func (api *API) Close(ctx context.Context) error {
	api.cancel()
	err := api.echo.Shutdown(ctx)

	api.mu.Lock()
	api.closing = true
	for conn := range api.conns {
		_ = conn.Close()
	}
	api.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		api.served.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn("shutdown: connections still cleaning up")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// track registers conn for shutdown; it fails once Close has started.
func (api *API) track(conn *websocket.Conn) bool {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.closing {
		return false
	}
	api.conns[conn] = struct{}{}
	api.served.Add(1)
	return true
}

func (api *API) untrack(conn *websocket.Conn) {
	api.mu.Lock()
	delete(api.conns, conn)
	api.mu.Unlock()
	api.served.Done()
}

// Ping handler
func (api *API) ping(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Health reports whether the room store is reachable.
func (api *API) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), api.config.StoreTimeout)
	defer cancel()
	if err := api.storage.Ping(ctx); err != nil {
		log.Warn(err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Returns the current room snapshot by meetingID
func (api *API) getRoom(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), api.config.StoreTimeout)
	defer cancel()

	room, err := api.storage.GetRoom(ctx, c.Param("meetingID"))
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		log.Error(err)
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}
	return c.JSON(http.StatusOK, &roomResponse{
		MeetingID:         room.MeetingID,
		CreatedAt:         room.CreatedAt,
		LastActivity:      room.LastActivity,
		Participants:      room.Roster(""),
		TotalParticipants: room.Count(),
		NotesEnabled:      room.NotesEnabled,
	})
}

// Endpoint to establish websocket connection
func (api *API) websocket(c echo.Context) error {
	if !cors.OriginAllowed(api.config.AllowedOrigin, c.Request().Header.Get("Origin")) {
		return c.NoContent(http.StatusForbidden)
	}

	api.mu.Lock()
	closing := api.closing
	api.mu.Unlock()
	if closing {
		return c.NoContent(http.StatusServiceUnavailable)
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		// UpgradeHTTP has already answered the request.
		log.Warn(err)
		return nil
	}

	wsConn := websocket.NewConn(uuid.NewString(), conn)
	if !api.track(wsConn) {
		_ = wsConn.Close()
		return nil
	}
	defer api.untrack(wsConn)
	api.serveConn(wsConn)
	return nil
}

// Serves one signaling connection until the client goes away. Events of a
// connection are handled strictly in arrival order.
func (api *API) serveConn(conn *websocket.Conn) {
	log.Infof("connection %s opened", conn.ID())
	api.router.Connect(conn)
	go conn.WriteLoop(api.config.PingInterval)

	defer func() {
		api.router.Disconnect(context.Background(), conn.ID())
		_ = conn.Close()
		log.Infof("connection %s closed", conn.ID())
	}()

	limiter := rate.NewLimiter(rate.Limit(api.config.RateLimitPerSec), api.config.RateLimitBurst)
	for {
		m, err := conn.ReadMessage()
		if err == websocket.ErrMalformedJSON {
			api.router.Fail(conn, signaling.NewError(signaling.CodeInvalidMessage, "message is not valid JSON"))
			continue
		}
		if err == websocket.ErrTooLarge {
			log.Warnf("connection %s: message over %d bytes, closing", conn.ID(), websocket.MaxMessageSize)
			return
		}
		if err != nil {
			log.Debugf("connection %s: read: %v", conn.ID(), err)
			return
		}
		if !limiter.Allow() {
			api.router.Fail(conn, signaling.NewError(signaling.CodeRateLimited, "too many messages, slow down"))
			continue
		}
		api.router.Handle(api.ctx, conn, m)
	}
}
