package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/shellhost/internal/manager"
)

// NewRouter builds the HTTP application serving the sessions API.
func NewRouter(m *manager.Manager, lookup TemplateLookup, logRequests bool) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "shellhost",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if e, ok := err.(*fiber.Error); ok {
				return c.Status(e.Code).JSON(fiber.Map{"error": e.Message})
			}
			return respondError(c, err)
		},
	})
	if logRequests {
		app.Use(SamplingLogger("/v1/sessions"))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": m.Count()})
	})

	v1 := app.Group("/v1")
	NewSessionsHandler(m, lookup).RegisterRoutes(v1)
	NewAttachHandler(m).RegisterRoutes(v1)
	return app
}
