package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maibot/chatpoints/internal/wagering"
)

// RegisterAdminRoutes wires moderator endpoints. r must already carry the
// admin token middleware.
func RegisterAdminRoutes(r fiber.Router, h *wagering.Handler) {
	r.Post("/accounts/merge", h.Merge)
	r.Post("/accounts/:id/adjust", h.Adjust)
	r.Post("/penalties", h.Penalize)

	r.Post("/bets", h.CreateBet)
	r.Post("/bets/:name/options", h.AddBetOptions)
	r.Post("/bets/:name/close", h.CloseBet)
	r.Post("/bets/:name/end", h.EndBet)

	r.Post("/admin/restore", h.Restore)
	r.Post("/admin/channels/:channel/teardown", h.Teardown)
	r.Post("/admin/settings/reload", h.ReloadSettings)
}
