package wagering

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/window"
)

// Handler exposes coordinator operations over HTTP.
type Handler struct {
	coord *Coordinator
}

// NewHandler constructs a wagering HTTP handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

type stakeRequest struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	All    bool            `json:"all"`
	Game   string          `json:"game"`
}

type adjustRequest struct {
	Key           string          `json:"key"`
	Delta         decimal.Decimal `json:"delta"`
	AllowNegative bool            `json:"allow_negative"`
}

type mergeRequest struct {
	Target string `json:"target"`
	Source string `json:"source"`
}

type tipRequest struct {
	Channel string          `json:"channel"`
	Giver   string          `json:"giver"`
	Taker   string          `json:"taker"`
	Amount  decimal.Decimal `json:"amount"`
	All     bool            `json:"all"`
}

type penaltyRequest struct {
	Kind   string          `json:"kind"`
	By     string          `json:"by"`
	Target string          `json:"target"`
	Amount decimal.Decimal `json:"amount"`
}

type activityRequest struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Points  decimal.Decimal `json:"points"`
}

type betRequest struct {
	Channel     string   `json:"channel"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

type endBetRequest struct {
	Winner string `json:"winner"`
}

type wagerRequest struct {
	ID     string          `json:"id"`
	Option string          `json:"option"`
	Amount decimal.Decimal `json:"amount"`
	All    bool            `json:"all"`
}

type playerRequest struct {
	ID string `json:"id"`
}

type restoreRequest struct {
	Game string `json:"game"`
}

// Balance returns an account's balances and level.
func (h *Handler) Balance(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(h.coord.Balance(param(c, "id")))
}

// Reserve moves points into a game's reserved key.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req stakeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Game == "" || ledger.IsReserved(req.Game) {
		return fiber.NewError(http.StatusBadRequest, "game is required")
	}
	id := param(c, "id")
	moved, err := h.coord.ReserveStake(c.UserContext(), id, req.Amount, req.All, req.Game)
	return respond(c, http.StatusOK, fiber.Map{"id": ledger.NormalizeID(id), "reserved": moved, "game": req.Game}, err)
}

// Adjust changes one balance key directly.
func (h *Handler) Adjust(c *fiber.Ctx) error {
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Key == "" {
		req.Key = ledger.KeyPoints
	}
	id := param(c, "id")
	balance, err := h.coord.AdjustBalance(c.UserContext(), id, req.Key, req.Delta, req.AllowNegative)
	return respond(c, http.StatusOK, fiber.Map{"id": ledger.NormalizeID(id), "key": req.Key, "balance": balance}, err)
}

// Merge folds one account into another.
func (h *Handler) Merge(c *fiber.Ctx) error {
	var req mergeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Target == "" || req.Source == "" {
		return fiber.NewError(http.StatusBadRequest, "target and source are required")
	}
	err := h.coord.MergeAccounts(c.UserContext(), req.Target, req.Source)
	return respond(c, http.StatusOK, fiber.Map{"account": h.coord.Balance(req.Target)}, err)
}

// Roulette places a stake in the channel's roulette.
func (h *Handler) Roulette(c *fiber.Ctx) error {
	var req stakeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.coord.PlaceRouletteStake(c.UserContext(), param(c, "channel"), req.ID, req.Amount, req.All)
	return respond(c, http.StatusAccepted, fiber.Map{"stake": res}, err)
}

// Tip gives points to another account.
func (h *Handler) Tip(c *fiber.Ctx) error {
	var req tipRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.coord.Tip(c.UserContext(), req.Channel, req.Giver, req.Taker, req.Amount, req.All)
	return respond(c, http.StatusOK, fiber.Map{"tip": res}, err)
}

// Penalize removes points from an account.
func (h *Handler) Penalize(c *fiber.Ctx) error {
	var req penaltyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = PenaltySlap
	}
	res, err := h.coord.Penalize(c.UserContext(), req.Kind, req.By, req.Target, req.Amount)
	return respond(c, http.StatusOK, fiber.Map{"penalty": res}, err)
}

// Activity credits points earned by chatting.
func (h *Handler) Activity(c *fiber.Ctx) error {
	var req activityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.coord.RecordActivity(c.UserContext(), req.ID, req.Channel, req.Points)
	return respond(c, http.StatusOK, fiber.Map{"activity": res}, err)
}

// Ladder lists the top accounts by a balance key.
func (h *Handler) Ladder(c *fiber.Ctx) error {
	key := param(c, "key")
	n := c.QueryInt("n", 10)
	return c.Status(http.StatusOK).JSON(fiber.Map{"key": key, "standings": h.coord.Ladder(key, n)})
}

// Stats aggregates settled games, optionally for one player.
func (h *Handler) Stats(c *fiber.Ctx) error {
	var kind string
	switch param(c, "game") {
	case "roulette", eventlog.KindRoulette:
		kind = eventlog.KindRoulette
	case "showdown", "poker", eventlog.KindShowdown:
		kind = eventlog.KindShowdown
	default:
		return fiber.NewError(http.StatusNotFound, "unknown game")
	}
	filter := eventlog.StatsFilter{Player: param(c, "id"), MinPlayers: c.QueryInt("min_players", 0)}
	st, ok := h.coord.GameStats(kind, filter)
	if !ok {
		return fiber.NewError(http.StatusNotFound, "no games recorded")
	}
	return c.Status(http.StatusOK).JSON(st)
}

// Bets lists open proposition bets.
func (h *Handler) Bets(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"bets": h.coord.Bets()})
}

// CreateBet opens a proposition bet.
func (h *Handler) CreateBet(c *fiber.Ctx) error {
	var req betRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	bet, err := h.coord.CreateBet(c.UserContext(), req.Channel, req.Name, req.Description, req.Options)
	return respond(c, http.StatusCreated, fiber.Map{"bet": bet}, err)
}

// AddBetOptions adds options to an open bet.
func (h *Handler) AddBetOptions(c *fiber.Ctx) error {
	var req betRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	bet, err := h.coord.AddBetOptions(c.UserContext(), param(c, "name"), req.Options)
	return respond(c, http.StatusOK, fiber.Map{"bet": bet}, err)
}

// CloseBet stops accepting wagers.
func (h *Handler) CloseBet(c *fiber.Ctx) error {
	bet, err := h.coord.CloseBet(c.UserContext(), param(c, "name"))
	return respond(c, http.StatusOK, fiber.Map{"bet": bet}, err)
}

// EndBet settles a bet on the winning option.
func (h *Handler) EndBet(c *fiber.Ctx) error {
	var req endBetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.coord.EndBet(c.UserContext(), param(c, "name"), req.Winner)
	return respond(c, http.StatusOK, fiber.Map{"result": res}, err)
}

// Wager stakes points on a bet option.
func (h *Handler) Wager(c *fiber.Ctx) error {
	var req wagerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.coord.PlaceWager(c.UserContext(), param(c, "name"), req.Option, req.ID, req.Amount, req.All)
	return respond(c, http.StatusCreated, fiber.Map{"wager": w}, err)
}

// Table shows the channel's showdown table to a viewer.
func (h *Handler) Table(c *fiber.Ctx) error {
	v, err := h.coord.Showdown(param(c, "channel"), c.Query("viewer"))
	return respond(c, http.StatusOK, fiber.Map{"table": v}, err)
}

// ShowdownAction runs join, start, call or fold for the requesting player.
func (h *Handler) ShowdownAction(c *fiber.Ctx) error {
	var req playerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" {
		return fiber.NewError(http.StatusBadRequest, "id is required")
	}
	ctx, channel := c.UserContext(), param(c, "channel")
	var (
		v   TableView
		err error
	)
	switch param(c, "action") {
	case "join":
		v, err = h.coord.JoinShowdown(ctx, channel, req.ID)
	case "start":
		v, err = h.coord.StartShowdown(ctx, channel, req.ID)
	case "call":
		v, err = h.coord.CallShowdown(ctx, channel, req.ID)
	case "fold":
		v, err = h.coord.FoldShowdown(ctx, channel, req.ID)
	default:
		return fiber.NewError(http.StatusNotFound, "unknown showdown action")
	}
	return respond(c, http.StatusOK, fiber.Map{"table": v}, err)
}

// Restore releases every reservation of a game.
func (h *Handler) Restore(c *fiber.Ctx) error {
	var req restoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	released, err := h.coord.Restore(c.UserContext(), req.Game)
	return respond(c, http.StatusOK, fiber.Map{"game": req.Game, "released": released}, err)
}

// Teardown aborts the channel's game and refunds its stakes.
func (h *Handler) Teardown(c *fiber.Ctx) error {
	channel := param(c, "channel")
	refunded, err := h.coord.Teardown(c.UserContext(), channel)
	return respond(c, http.StatusOK, fiber.Map{"channel": channel, "refunded": refunded}, err)
}

// ReloadSettings re-reads the settings file.
func (h *Handler) ReloadSettings(c *fiber.Ctx) error {
	if err := h.coord.ReloadSettings(); err != nil {
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}

// respond writes body with status, attaching a warning when err only
// reports a persistence failure, or maps err to an HTTP error.
func respond(c *fiber.Ctx, status int, body fiber.Map, err error) error {
	if err != nil && !errIsWarning(err) {
		return httpError(c, err)
	}
	if err != nil {
		body["warning"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

func httpError(c *fiber.Ctx, err error) error {
	var cd *CooldownError
	if errors.As(err, &cd) {
		retry := int(math.Ceil(cd.RetryAfter.Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{
			"error":       cd.Error(),
			"retry_after": retry,
		})
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIgnored):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNoActiveGame), errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrGameInProgress),
		errors.Is(err, ErrBetClosed), errors.Is(err, ErrNotEnoughPlayers), errors.Is(err, window.ErrNoWindow):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

// param returns a path parameter with percent-escapes decoded so channels
// may be addressed as %23name.
func param(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
