package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync/models"
)

// IdleService is the push connection manager (idle.Manager)
type IdleService interface {
	Start(account *models.Account) error
	Stop(accountID string)
	Status(accountID string) models.IdleStatus
	RefreshDuringIdle(ctx context.Context, accountID string) (*models.PollResult, error)
}

// IdleHandler controls the IDLE connection of an account
type IdleHandler struct {
	idle     IdleService
	accounts AccountLookup
	timeout  time.Duration
}

func NewIdleHandler(idle IdleService, accounts AccountLookup, timeout time.Duration) *IdleHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IdleHandler{idle: idle, accounts: accounts, timeout: timeout}
}

// Start handles POST /idle/start
func (h *IdleHandler) Start(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	if err := h.idle.Start(account); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(h.idle.Status(account.ID))
}

// Stop handles POST /idle/stop
func (h *IdleHandler) Stop(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	h.idle.Stop(account.ID)
	return c.JSON(h.idle.Status(account.ID))
}

// Status handles GET /idle/status
func (h *IdleHandler) Status(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	return c.JSON(h.idle.Status(account.ID))
}

// Refresh handles POST /idle/refresh
func (h *IdleHandler) Refresh(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	result, err := h.idle.RefreshDuringIdle(ctx, account.ID)
	if err != nil {
		return err
	}
	return c.JSON(result)
}
