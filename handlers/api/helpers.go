package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync/middleware"
	"mailsync/models"
	"mailsync/utils"
)

// AccountLookup resolves accounts for ownership checks
type AccountLookup interface {
	GetAccount(accountID string) (*models.Account, error)
}

// ownedAccount loads the :accountId route parameter and checks that it
// belongs to the authenticated user. Accounts of other users are reported
// as missing.
func ownedAccount(c *fiber.Ctx, accounts AccountLookup) (*models.Account, error) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return nil, utils.UnauthorizedError("User not authenticated", nil)
	}

	accountID := c.Params("accountId")
	if accountID == "" {
		return nil, utils.BadRequestError("Account ID required", nil)
	}

	account, err := accounts.GetAccount(accountID)
	if err != nil {
		if utils.IsKind(err, utils.KindNotFound) || utils.IsKind(err, utils.KindInvalid) {
			return nil, utils.NotFoundError("Account not found", nil).WithContext("account", accountID)
		}
		return nil, err
	}
	if account.UserID != userID {
		return nil, utils.NotFoundError("Account not found", nil).WithContext("account", accountID)
	}
	return account, nil
}

// queryLimit parses ?limit=; zero lets the service apply its default
func queryLimit(c *fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, utils.BadRequestError("limit must be a non-negative integer", err)
	}
	return limit, nil
}

func queryBool(c *fiber.Ctx, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, utils.BadRequestError(key+" must be a boolean", err)
	}
	return v, nil
}

// requestContext bounds service calls made for one request. fasthttp
// contexts are never cancelled by client disconnects, so a timeout is
// the only bound.
func requestContext(c *fiber.Ctx, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), timeout)
}
