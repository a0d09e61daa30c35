package server

import (
	"errors"
	"strings"

	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

const defaultMessagePageSize = 50

// currentUserID returns the id stored by AuthRequired.
func currentUserID(c *fiber.Ctx) string {
	uid, _ := c.Locals("userID").(string)
	return uid
}

// parseParam extracts a non-empty route parameter.
// On failure it writes a 400 JSON response and returns errResponseWritten.
func parseParam(c *fiber.Ctx, param string) (string, error) {
	v := strings.TrimSpace(c.Params(param))
	if v == "" || len(v) > 64 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+param))
		return "", errResponseWritten
	}
	return v, nil
}

// parseBody decodes the request body into out.
// On failure it writes a 400 JSON response and returns errResponseWritten.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}

// parsePage reads the before/limit history cursor.
func parsePage(c *fiber.Ctx) service.Page {
	limit := c.QueryInt("limit", defaultMessagePageSize)
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	return service.Page{
		Before: strings.TrimSpace(c.Query("before")),
		Limit:  limit,
	}
}
