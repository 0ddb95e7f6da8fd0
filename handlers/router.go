package handlers

import (
	"strings"

	"tournament-engine/config"
	"tournament-engine/middleware"
	"tournament-engine/services"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Services are the handlers' dependencies.
type Services struct {
	Matchmaking *services.MatchmakingService
	Settlement  *services.SettlementService
	Segments    *services.SegmentService
	Tournaments *services.TournamentService
	Scheduler   *services.SchedulerService
	Rewards     *services.RewardService
	Players     *services.PlayerService
	Tables      *config.Tables
	// Validator authenticates reward stream clients; nil disables the stream.
	Validator middleware.TokenValidator
}

// NewApp builds the fiber app. Every route except /healthz requires the
// gateway token; /s routes also require the gateway user context.
func NewApp(cfg *config.Config, svc Services) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "tournament-engine",
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: fiberErrorHandler,
	})

	app.Use(recover.New())
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken))

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	secured := app.Group("/s", under("/s", middleware.UserContextMiddleware()))
	admin := secured.Group("/admin", under("/s/admin", middleware.RequireRole(middleware.RoleAdmin)))

	SetupQueueRoutes(secured, svc.Matchmaking)
	SetupSettlementRoutes(app, svc.Settlement, svc.Rewards)
	SetupSegmentRoutes(app, secured, svc.Segments, svc.Tables)
	SetupTournamentRoutes(app, admin, svc.Tournaments)
	SetupAdminRoutes(admin, svc.Scheduler, svc.Segments, services.SchedulerConfig{
		SweepBatchSize:         cfg.SweepBatchSize,
		SweepMaxProcessingTime: cfg.SweepMaxProcessingTime,
	})
	SetupRewardRoutes(app, secured, svc.Rewards, svc.Validator)
	SetupPlayerRoutes(app, svc.Players)

	return app
}

// under runs h only for prefix and paths below it. Fiber matches group
// middleware by raw prefix, so "/s" would otherwise also guard "/segments".
func under(prefix string, h fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if p := c.Path(); p != prefix && !strings.HasPrefix(p, prefix+"/") {
			return c.Next()
		}
		return h(c)
	}
}

func fiberErrorHandler(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"ok": false, "error": fe.Message, "kind": "http"})
	}
	return writeError(c, err)
}
