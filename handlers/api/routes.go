package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Handlers groups everything the HTTP surface needs
type Handlers struct {
	Accounts      *AccountHandler
	Email         *EmailHandler
	Idle          *IdleHandler
	Notifications *NotificationHub
}

// SetupRoutes registers the API behind the protect handlers (authentication
// first). The health check stays public.
func SetupRoutes(app *fiber.App, h Handlers, protect ...fiber.Handler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	})

	api := app.Group("/api", protect...)

	api.Get("/events", h.Notifications.HandleSSE)

	accounts := api.Group("/accounts")
	accounts.Get("/", h.Accounts.GetAccounts)
	accounts.Post("/", h.Accounts.CreateAccount)
	accounts.Get("/:accountId", h.Accounts.GetAccount)
	accounts.Put("/:accountId", h.Accounts.UpdateAccount)
	accounts.Delete("/:accountId", h.Accounts.DeleteAccount)

	account := accounts.Group("/:accountId")
	account.Get("/status", h.Email.Status)
	account.Get("/emails", h.Email.GetEmails)
	account.Get("/search", h.Email.Search)
	account.Get("/emails/:emailId", h.Email.GetEmail)
	account.Post("/emails/:emailId/read", h.Email.MarkAsRead)
	account.Post("/emails/:emailId/unread", h.Email.MarkAsUnread)
	account.Delete("/emails/:emailId", h.Email.DeleteEmail)
	account.Get("/emails/:emailId/attachments/:attachmentId", h.Email.GetAttachment)

	account.Post("/idle/start", h.Idle.Start)
	account.Post("/idle/stop", h.Idle.Stop)
	account.Get("/idle/status", h.Idle.Status)
	account.Post("/idle/refresh", h.Idle.Refresh)

	ws := append(append([]fiber.Handler{}, protect...),
		h.Notifications.UpgradeWebSocket,
		websocket.New(h.Notifications.HandleWebSocket),
	)
	app.Get("/ws/events", ws...)
}
