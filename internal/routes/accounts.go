package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maibot/chatpoints/internal/wagering"
)

// RegisterAccountRoutes wires balance, tip and activity endpoints.
func RegisterAccountRoutes(r fiber.Router, h *wagering.Handler) {
	r.Get("/accounts/:id", h.Balance)
	r.Post("/accounts/:id/reserve", h.Reserve)
	r.Post("/tips", h.Tip)
	r.Post("/activity", h.Activity)
	r.Get("/ladder/:key", h.Ladder)
}
