package api

import (
	"bufio"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"mailsync/middleware"
	"mailsync/models"
	"mailsync/utils"
)

const (
	subscriberBuffer  = 32
	keepaliveInterval = 30 * time.Second
)

// subscriber receives the notifications of the accounts it was allowed to
// see when it connected
type subscriber struct {
	userID   string
	accounts map[string]bool
	ch       chan models.Notification
}

func (s *subscriber) wants(n models.Notification) bool {
	return n.AccountID == "" || s.accounts[n.AccountID]
}

// NotificationHub fans notifications out to SSE and websocket clients
type NotificationHub struct {
	accounts    AccountStore
	log         *utils.Logger
	subscribers map[string]*subscriber
	mu          sync.RWMutex
}

// NewNotificationHub creates a new notification hub
func NewNotificationHub(accounts AccountStore, logger *utils.Logger) *NotificationHub {
	if logger == nil {
		logger = utils.Log
	}
	return &NotificationHub{
		accounts:    accounts,
		log:         logger.Component("notifications"),
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber for the given accounts
func (h *NotificationHub) Subscribe(userID string, accountIDs []string) (string, <-chan models.Notification) {
	sub := &subscriber{
		userID:   userID,
		accounts: make(map[string]bool, len(accountIDs)),
		ch:       make(chan models.Notification, subscriberBuffer),
	}
	for _, id := range accountIDs {
		sub.accounts[id] = true
	}

	id := uuid.New().String()
	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	h.log.Info("subscriber connected: %s (user: %s)", id, userID)
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel
func (h *NotificationHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(sub.ch)
	}
	h.mu.Unlock()

	if ok {
		h.log.Info("subscriber disconnected: %s", id)
	}
}

// Subscribers returns the number of connected subscribers
func (h *NotificationHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast sends a notification to every interested subscriber. Slow
// subscribers miss notifications instead of blocking the sender.
func (h *NotificationHub) Broadcast(n models.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.log.Debug("broadcasting %s for account %s to %d subscribers", n.Type, n.AccountID, len(h.subscribers))

	for id, sub := range h.subscribers {
		if !sub.wants(n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			h.log.Warn("notification channel full for subscriber %s", id)
		}
	}
}

// visibleAccounts resolves the ?accountId= filter, or every account of the user
func (h *NotificationHub) visibleAccounts(userID, accountID string) ([]string, error) {
	if accountID != "" {
		account, err := h.accounts.GetAccount(accountID)
		if err != nil || account.UserID != userID {
			return nil, utils.NotFoundError("Account not found", err)
		}
		return []string{account.ID}, nil
	}

	accounts, err := h.accounts.ListAccounts(userID)
	if err != nil {
		return nil, utils.InternalServerError("Failed to retrieve accounts", err)
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// HandleSSE handles GET /api/events
func (h *NotificationHub) HandleSSE(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return utils.UnauthorizedError("User not authenticated", nil)
	}
	accountIDs, err := h.visibleAccounts(userID, c.Query("accountId"))
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	id, messages := h.Subscribe(userID, accountIDs)

	// The stream writer runs after the handler returned, so it owns cleanup.
	// A failed flush is the only sign of a client that went away.
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.Unsubscribe(id)

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		w.WriteString(": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case n, ok := <-messages:
				if !ok {
					return
				}
				data, err := json.Marshal(n)
				if err != nil {
					h.log.Error("cannot encode notification: %v", err)
					continue
				}
				w.WriteString("event: " + n.Type + "\n")
				w.WriteString("data: " + string(data) + "\n\n")
			case <-ticker.C:
				w.WriteString(": keepalive\n\n")
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}

// UpgradeWebSocket rejects non-websocket requests to the websocket route
// and resolves the subscription before the upgrade.
func (h *NotificationHub) UpgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		return utils.UnauthorizedError("User not authenticated", nil)
	}
	accountIDs, err := h.visibleAccounts(userID, c.Query("accountId"))
	if err != nil {
		return err
	}
	c.Locals("accounts", accountIDs)
	return c.Next()
}

// HandleWebSocket handles GET /ws/events after UpgradeWebSocket
func (h *NotificationHub) HandleWebSocket(c *websocket.Conn) {
	userID, _ := c.Locals(middleware.UserIDKey).(string)
	accountIDs, _ := c.Locals("accounts").([]string)

	id, messages := h.Subscribe(userID, accountIDs)
	defer h.Unsubscribe(id)

	// Clients never send anything meaningful; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case n, ok := <-messages:
			if !ok {
				return
			}
			if err := c.WriteJSON(n); err != nil {
				h.log.Warn("websocket write to %s failed: %v", id, err)
				return
			}
		case <-gone:
			return
		}
	}
}
