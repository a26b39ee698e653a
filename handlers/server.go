// Package handlers is the network edge of the relay: the websocket session
// state machine and the HTTP routes, served by fiber.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karthikraju391/roomchat/auth"
	"github.com/karthikraju391/roomchat/cloud"
	"github.com/karthikraju391/roomchat/config"
	"github.com/karthikraju391/roomchat/hub"
	"github.com/karthikraju391/roomchat/metrics"
	"github.com/karthikraju391/roomchat/rooms"
	"github.com/karthikraju391/roomchat/store"
)

// Uploader stores an image and returns where clients can fetch it.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error)
}

// Server holds everything the routes need. Uploader and Gatherer are
// optional.
type Server struct {
	Config   *config.Config
	Registry *rooms.Registry
	Engine   *hub.Engine
	Store    store.HistoryStore
	Verifier auth.Verifier
	Uploader Uploader
	Instance cloud.InstanceInfo
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// AccessLog enables fiber's request logger.
	AccessLog bool
}

// NewApp builds the fiber application with every route mounted.
func NewApp(srv *Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "roomchat",
		DisableStartupMessage: true,
		UnescapePath:          true,
		BodyLimit:             cloud.MaxUploadSize + 1<<20,
		ErrorHandler:          errorHandler(srv.Logger),
	})
	app.Use(recover.New())
	if srv.AccessLog {
		app.Use(logger.New())
	}

	app.Use("/ws", srv.upgradeGate)
	app.Get("/ws", websocket.New(srv.HandleWebSocket))

	app.Get("/history/:room", srv.requireAuth, srv.History)
	app.Get("/health", srv.requireAuth, srv.Health)
	app.Post("/upload", srv.requireAuth, srv.Upload)
	app.Get("/whoami", srv.WhoAmI)
	app.Get("/burn", srv.Burn)
	app.Get("/config", srv.ClientConfig)
	if srv.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(srv.Gatherer, promhttp.HandlerOpts{})))
	}

	if dir := srv.Config.PublicDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			app.Get("/", srv.Index)
			app.Get("/index.html", srv.Index)
			app.Static("/", dir)
		}
	}
	return app
}

// requireAuth checks the bearer token on plain HTTP routes.
func (srv *Server) requireAuth(c *fiber.Ctx) error {
	p, err := srv.Verifier.Verify(c.UserContext(), auth.BearerToken(c.Get(fiber.HeaderAuthorization)))
	if err != nil {
		srv.Metrics.AuthFailed(c.Route().Path)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}
	c.Locals(localPrincipal, p)
	return c.Next()
}

func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "Internal Server Error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		} else {
			log.Error("Unhandled request error", "method", c.Method(), "path", c.Path(), "error", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": msg})
	}
}
