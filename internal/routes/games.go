package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maibot/chatpoints/internal/wagering"
)

// RegisterGameRoutes wires roulette, showdown and statistics endpoints.
// Channels are addressed percent-encoded, e.g. /channels/%23lobby.
func RegisterGameRoutes(r fiber.Router, h *wagering.Handler) {
	r.Post("/channels/:channel/roulette", h.Roulette)
	r.Get("/channels/:channel/showdown", h.Table)
	r.Post("/channels/:channel/showdown/:action", h.ShowdownAction)
	r.Get("/stats/:game/:id?", h.Stats)
}
