package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maibot/chatpoints/internal/wagering"
)

// RegisterBetRoutes wires the public proposition bet endpoints.
func RegisterBetRoutes(r fiber.Router, h *wagering.Handler) {
	r.Get("/bets", h.Bets)
	r.Post("/bets/:name/wagers", h.Wager)
}
