// Package api implements the Command API: the synchronous HTTP surface an
// operator (or external tool) uses to drive a single card through one SDLC
// stage, inspect its logs, move it on the board, and manage its worktree.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardloop/orchestrator/pkg/database"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/version"
	"github.com/cardloop/orchestrator/pkg/workflow"
	"github.com/cardloop/orchestrator/pkg/worktree"
)

// CardStore is the subset of store.CardStore the API depends on.
type CardStore interface {
	Get(ctx context.Context, id string) (*models.Card, error)
	Move(ctx context.Context, id string, to models.Column) (*models.Card, error)
	SetModelOverride(ctx context.Context, id string, stage models.StageCommand, model string) error
}

// ExecutionStore is the subset of store.ExecutionStore the API depends on.
type ExecutionStore interface {
	GetActive(ctx context.Context, cardID string) (*models.Execution, error)
	ListForCard(ctx context.Context, cardID string) ([]*models.Execution, error)
	ListLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
}

// Engine is the subset of workflow.Engine the API depends on.
type Engine interface {
	RunStage(ctx context.Context, cardID string, stage models.StageCommand) (*workflow.Result, error)
}

// WorktreeManager is the subset of worktree.Manager the API depends on.
type WorktreeManager interface {
	CreateWorktree(ctx context.Context, cardID, baseBranch string) (*worktree.Handle, error)
	ListActive(ctx context.Context) ([]worktree.Active, error)
	CleanupOrphans(ctx context.Context, activeCardIDs []string) (int, error)
}

// ActiveCardLister resolves which card ids currently hold a worktree, so
// CleanupOrphans can tell a live worktree from an orphan.
type ActiveCardLister interface {
	ListActiveCardIDs(ctx context.Context) ([]string, error)
}

// Server wires the Command API's HTTP and WebSocket handlers to their
// collaborators.
type Server struct {
	cards      CardStore
	executions ExecutionStore
	engine     Engine
	worktrees  WorktreeManager
	activeIDs  ActiveCardLister
	bus        *eventbus.Bus
	cardsHub   *eventbus.CardsHub
	execHub    *eventbus.ExecutionHub
	pool       *pgxpool.Pool
	log        *slog.Logger
}

// NewServer builds a Server wired to its collaborators.
func NewServer(cards CardStore, executions ExecutionStore, engine Engine, worktrees WorktreeManager,
	activeIDs ActiveCardLister, bus *eventbus.Bus, cardsHub *eventbus.CardsHub, execHub *eventbus.ExecutionHub,
	pool *pgxpool.Pool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cards: cards, executions: executions, engine: engine, worktrees: worktrees,
		activeIDs: activeIDs, bus: bus, cardsHub: cardsHub, execHub: execHub, pool: pool, log: log,
	}
}

// Router builds the gin engine with every Command API route registered.
// ginMode ("debug", "release", "test") matches config.HTTPConfig.GinMode,
// set once globally at router construction.
func (s *Server) Router(ginMode string) *gin.Engine {
	if ginMode != "" {
		gin.SetMode(ginMode)
	}
	r := gin.Default()

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.POST("/execute-plan", s.executeStage(models.StagePlan))
		api.POST("/execute-implement", s.executeStage(models.StageImplement))
		api.POST("/execute-test", s.executeStage(models.StageTest))
		api.POST("/execute-review", s.executeStage(models.StageReview))

		api.GET("/logs/:cardId", s.getActiveLogs)
		api.GET("/logs/:cardId/history", s.getLogHistory)

		api.PATCH("/cards/:id/move", s.moveCard)
		api.POST("/cards/:id/workspace", s.createWorkspace)

		api.GET("/branches", s.listBranches)
		api.POST("/cleanup-orphan-worktrees", s.cleanupOrphanWorktrees)

		api.GET("/cards/ws", gin.WrapF(s.cardsHub.HandleWS))
		api.GET("/execution/ws/:cardId", func(c *gin.Context) {
			s.execHub.HandleWS(c.Writer, c.Request, c.Param("cardId"))
		})
	}

	return r
}

// health reports database connectivity via database.Health.
func (s *Server) health(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), s.pool)
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"version":  version.Full(),
		"database": status,
		"time":     time.Now().UTC(),
	})
}

// respondErr renders an error as {success:false, error} at the given
// status, the API's uniform failure shape.
func respondErr(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// statusForTransitionError maps the move endpoint's domain errors to HTTP
// status codes.
func statusForTransitionError(err error) int {
	var invalid *models.InvalidTransitionError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
