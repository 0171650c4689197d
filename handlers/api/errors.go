package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"mailsync/utils"
)

// statusForKind is the HTTP status of each error kind
var statusForKind = map[utils.ErrorKind]int{
	utils.KindConnection: fiber.StatusBadGateway,
	utils.KindProtocol:   fiber.StatusBadGateway,
	utils.KindAuth:       fiber.StatusUnauthorized,
	utils.KindNotFound:   fiber.StatusNotFound,
	utils.KindInvalid:    fiber.StatusBadRequest,
}

// ErrorHandler renders every error as {"error", "kind"} JSON
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	kind := utils.KindInternal
	message := err.Error()

	var appErr *utils.AppError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &appErr):
		kind = appErr.Kind
		code = appErr.Code
		if mapped, ok := statusForKind[kind]; ok && code == 0 {
			code = mapped
		}
		message = appErr.Message
		if code >= 500 {
			utils.Log.Error("Application error on %s %s: %v", c.Method(), c.Path(), appErr)
		}
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
		switch code {
		case fiber.StatusNotFound:
			kind = utils.KindNotFound
		case fiber.StatusBadRequest:
			kind = utils.KindInvalid
		}
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
		kind = utils.KindConnection
		message = "Mail server did not answer in time"
	default:
		utils.Log.Error("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
		"kind":  kind,
	})
}
