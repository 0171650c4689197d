package api

import (
	"github.com/gofiber/fiber/v2"

	"mailsync/middleware"
	"mailsync/models"
	"mailsync/utils"
)

// AccountStore is the account directory (storage.AccountDirectory)
type AccountStore interface {
	AccountLookup
	CreateAccount(account *models.Account) error
	ListAccounts(userID string) ([]*models.Account, error)
	UpdateAccount(account *models.Account) error
	DeleteAccount(accountID string) error
}

// AccountChanged tells the engine an account's settings were replaced
type AccountChanged func(previous, updated *models.Account)

// AccountCleanup releases what the engine holds for a deleted account
type AccountCleanup func(accountID string)

// AccountHandler handles account management
type AccountHandler struct {
	store     AccountStore
	onUpdated AccountChanged
	onDeleted AccountCleanup
}

// NewAccountHandler creates a new account handler. Either hook may be nil.
func NewAccountHandler(store AccountStore, onUpdated AccountChanged, onDeleted AccountCleanup) *AccountHandler {
	return &AccountHandler{store: store, onUpdated: onUpdated, onDeleted: onDeleted}
}

// accountRequest is the writable part of an account. The password is only
// ever accepted, never returned.
type accountRequest struct {
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	IMAP        models.Endpoint `json:"imap"`
	SMTP        models.Endpoint `json:"smtp"`
}

func (r *accountRequest) apply(account *models.Account) {
	account.DisplayName = r.DisplayName
	account.Email = r.Email
	account.Credentials.Username = r.Username
	if r.Password != "" {
		account.Credentials.Password = r.Password
	}
	account.IMAP = r.IMAP
	account.SMTP = r.SMTP
}

// CreateAccount handles POST /api/accounts
func (h *AccountHandler) CreateAccount(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return utils.UnauthorizedError("User not authenticated", nil)
	}

	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request", err)
	}
	if req.Email == "" || req.IMAP.Host == "" || req.Password == "" {
		return utils.BadRequestError("Missing required fields", nil)
	}

	account := &models.Account{UserID: userID}
	req.apply(account)
	if err := h.store.CreateAccount(account); err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"account": account,
	})
}

// GetAccounts handles GET /api/accounts
func (h *AccountHandler) GetAccounts(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return utils.UnauthorizedError("User not authenticated", nil)
	}

	accounts, err := h.store.ListAccounts(userID)
	if err != nil {
		return utils.InternalServerError("Failed to retrieve accounts", err)
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"accounts": accounts,
	})
}

// GetAccount handles GET /api/accounts/:accountId
func (h *AccountHandler) GetAccount(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.store)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"account": account,
	})
}

// UpdateAccount handles PUT /api/accounts/:accountId. An empty password
// keeps the stored one.
func (h *AccountHandler) UpdateAccount(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.store)
	if err != nil {
		return err
	}

	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request", err)
	}
	previous := *account
	req.apply(account)

	if err := h.store.UpdateAccount(account); err != nil {
		return err
	}
	if h.onUpdated != nil {
		h.onUpdated(&previous, account)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"account": account,
	})
}

// DeleteAccount handles DELETE /api/accounts/:accountId
func (h *AccountHandler) DeleteAccount(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.store)
	if err != nil {
		return err
	}

	if err := h.store.DeleteAccount(account.ID); err != nil {
		return err
	}
	if h.onDeleted != nil {
		h.onDeleted(account.ID)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Account deleted successfully",
	})
}
