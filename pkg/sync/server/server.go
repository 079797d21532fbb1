package server

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/sync"
	"github.com/sidkik/lansync/pkg/version"
)

// Server exposes a single folder to peers over HTTP. Every request re-reads
// the filesystem, so the server holds no state between requests.
type Server struct {
	app     *fiber.App
	catalog *sync.Catalog
	log     logrus.FieldLogger
}

// New returns a Server for the folder tracked by `catalog`.
func New(catalog *sync.Catalog, logger logrus.FieldLogger) *Server {
	s := &Server{
		catalog: catalog,
		log:     logger.WithField("root", catalog.Root()),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "lansync",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
		ReadTimeout:           30 * time.Second,
		IdleTimeout:           2 * time.Minute,
	})

	// A panic in a single handler is turned into a 500 rather than taking
	// down the process.
	s.app.Use(recover.New())
	s.app.Use(s.logRequest)

	s.app.Get("/ping", s.ping)
	s.app.Get("/manifest", s.manifest)
	s.app.Get("/file", s.file)
	s.app.Get("/version", s.version)
	return s
}

// Serve accepts connections on `ln` until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("address", ln.Addr().String()).Info("Sync server is ready")
	if err := s.app.Listener(ln); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}

// ListenAndServe listens on the given TCP port on all interfaces.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return errors.WithContext(err, "listen")
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

func (s *Server) manifest(c *fiber.Ctx) error {
	return c.JSON(s.catalog.Scan())
}

func (s *Server) file(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Missing path")
	}

	f, fi, err := sync.OpenWithinRoot(s.catalog.Root(), path)
	if err != nil {
		switch errors.RootCause(err).(type) {
		case errors.PathTraversalRejected:
			s.log.WithField("path", path).Warn("Rejected request for a file outside of the sync root")
			return fiber.ErrNotFound
		case errors.FileNotFound:
			return fiber.ErrNotFound
		}
		return err
	}

	c.Set("X-File-Size", strconv.FormatInt(fi.Size(), 10))
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)

	// A negative size makes fasthttp stream the body with chunked encoding.
	// It closes the file once the response has been written.
	c.Context().SetBodyStream(f, -1)
	return nil
}

func (s *Server) version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version":  version.Version,
		"protocol": version.ProtocolVersion,
	})
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Method(),
		"path":    c.Path(),
		"remote":  c.IP(),
		"latency": time.Since(start),
	}).Debug("Handled request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
	} else {
		s.log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(code).SendString(err.Error())
}
