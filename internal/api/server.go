package api

import (
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"drive-service/internal/logger"
	"drive-service/internal/types"
)

const shutdownTimeout = 5 * time.Second

// StatusSource is the read-only view of the detector.
type StatusSource interface {
	Status() types.Status
	ActiveDrive() *types.Drive
}

type Server struct {
	App    *fiber.App
	source StatusSource
	logger *logger.Logger
}

func NewServer(source StatusSource, l *logger.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())

	s := &Server{App: app, source: source, logger: l}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.App.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(s.source.Status())
	})

	// Points are returned in display order.
	s.App.Get("/drive", func(c *fiber.Ctx) error {
		drive := s.source.ActiveDrive()
		if drive == nil {
			return fiber.NewError(fiber.StatusNotFound, "no active drive")
		}
		drive.Points = types.SortPoints(drive.Points)
		return c.JSON(drive)
	})
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Infof("HTTP status API listening on %s", ln.Addr())
	go func() {
		if err := s.App.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Errorf("HTTP server stopped: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown() error {
	return s.App.ShutdownWithTimeout(shutdownTimeout)
}
