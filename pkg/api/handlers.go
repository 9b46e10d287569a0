package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/models"
)

// executeCardRequest is the shared request shape for every execute-*
// endpoint. Title/Description only matter for
// execute-plan, where the card may still be in backlog; the later stages
// require SpecPath instead.
type executeCardRequest struct {
	CardID      string `json:"cardId" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SpecPath    string `json:"specPath"`
	Model       string `json:"model"`
}

// executeCardResponse is the shared response shape. FixCardCreated/FixCardID
// are only populated by execute-test.
type executeCardResponse struct {
	Success        bool                  `json:"success"`
	CardID         string                `json:"cardId"`
	Result         string                `json:"result,omitempty"`
	Logs           []models.ExecutionLog `json:"logs"`
	SpecPath       string                `json:"specPath,omitempty"`
	FixCardCreated bool                  `json:"fixCardCreated,omitempty"`
	FixCardID      string                `json:"fixCardId,omitempty"`
}

// executeStage returns a handler that runs exactly one named stage on the
// requested card and reports its outcome.
func (s *Server) executeStage(stage models.StageCommand) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req executeCardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		if stage != models.StagePlan && req.SpecPath == "" {
			card, err := s.cards.Get(ctx, req.CardID)
			if err != nil {
				respondErr(c, http.StatusNotFound, err)
				return
			}
			if card.SpecPath == "" {
				respondErr(c, http.StatusBadRequest, models.ErrMissingSpec)
				return
			}
		}

		if req.Model != "" {
			if err := s.cards.SetModelOverride(ctx, req.CardID, stage, req.Model); err != nil {
				respondErr(c, http.StatusInternalServerError, err)
				return
			}
			if card, err := s.cards.Get(ctx, req.CardID); err == nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.CardUpdated, CardID: card.ID, Card: card})
			}
		}

		result, err := s.engine.RunStage(ctx, req.CardID, stage)
		if err != nil {
			respondErr(c, http.StatusInternalServerError, err)
			return
		}

		logs, logErr := s.latestExecutionLogs(ctx, req.CardID)
		if logErr != nil {
			s.log.Warn("fetching execution logs after stage run", "cardId", req.CardID, "error", logErr)
		}

		resp := executeCardResponse{
			Success:        result.Success,
			CardID:         req.CardID,
			Logs:           logs,
			SpecPath:       result.SpecPath,
			FixCardCreated: result.FixCardCreated,
			FixCardID:      result.FixCardID,
		}
		if !result.Success {
			resp.Result = result.Error
			c.JSON(http.StatusOK, resp)
			return
		}
		resp.Result = "ok"
		c.JSON(http.StatusOK, resp)
	}
}

// latestExecutionLogs returns the logs of the card's most recent
// execution (ListForCard is newest-first), used to echo back what the
// stage just did.
func (s *Server) latestExecutionLogs(ctx context.Context, cardID string) ([]models.ExecutionLog, error) {
	executions, err := s.executions.ListForCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, nil
	}
	return s.executions.ListLogs(ctx, executions[0].ID)
}

// getActiveLogs returns the card's currently running execution and its
// logs, per GET /api/logs/{cardId}.
func (s *Server) getActiveLogs(c *gin.Context) {
	cardID := c.Param("cardId")
	ctx := c.Request.Context()

	exec, err := s.executions.GetActive(ctx, cardID)
	if err != nil {
		respondErr(c, http.StatusNotFound, fmt.Errorf("no active execution for card %s", cardID))
		return
	}

	logs, err := s.executions.ListLogs(ctx, exec.ID)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "execution": exec, "logs": logs})
}

// getLogHistory returns every execution recorded for a card, most recent
// first, per GET /api/logs/{cardId}/history.
func (s *Server) getLogHistory(c *gin.Context) {
	cardID := c.Param("cardId")
	ctx := c.Request.Context()

	executions, err := s.executions.ListForCard(ctx, cardID)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	type historyEntry struct {
		Execution *models.Execution     `json:"execution"`
		Logs      []models.ExecutionLog `json:"logs"`
	}
	history := make([]historyEntry, 0, len(executions))
	for _, e := range executions {
		logs, err := s.executions.ListLogs(ctx, e.ID)
		if err != nil {
			respondErr(c, http.StatusInternalServerError, err)
			return
		}
		history = append(history, historyEntry{Execution: e, Logs: logs})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}

type moveCardRequest struct {
	ColumnID string `json:"columnId" binding:"required"`
}

// moveCard validates and applies a manual board move, per
// PATCH /api/cards/{id}/move. An illegal transition renders
// InvalidTransitionError's literal message at 400.
func (s *Server) moveCard(c *gin.Context) {
	var req moveCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}

	id := c.Param("id")
	to := models.Column(req.ColumnID)
	ctx := c.Request.Context()

	card, err := s.cards.Get(ctx, id)
	if err != nil {
		respondErr(c, http.StatusNotFound, err)
		return
	}
	if !models.CanTransition(card.Column, to) {
		err := models.NewInvalidTransitionError(card.Column, to)
		respondErr(c, http.StatusBadRequest, err)
		return
	}

	from := card.Column
	moved, err := s.cards.Move(ctx, id, to)
	if err != nil {
		respondErr(c, statusForTransitionError(err), err)
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:       eventbus.CardMoved,
		CardID:     moved.ID,
		Card:       moved,
		FromColumn: string(from),
		ToColumn:   string(to),
	})

	c.JSON(http.StatusOK, gin.H{"success": true, "card": moved})
}

type createWorkspaceRequest struct {
	BaseBranch string `json:"baseBranch"`
}

// createWorkspace creates (or repairs) a card's worktree on demand, per
// POST /api/cards/{id}/workspace.
func (s *Server) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	ctx := c.Request.Context()

	handle, err := s.worktrees.CreateWorktree(ctx, id, req.BaseBranch)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "path": handle.Path, "branchName": handle.BranchName})
}

// listBranches enumerates every live worktree, per GET /api/branches.
func (s *Server) listBranches(c *gin.Context) {
	active, err := s.worktrees.ListActive(c.Request.Context())
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "branches": active})
}

// cleanupOrphanWorktrees removes any worktree whose card is no longer
// active, per POST /api/cleanup-orphan-worktrees.
func (s *Server) cleanupOrphanWorktrees(c *gin.Context) {
	ctx := c.Request.Context()

	activeCardIDs, err := s.activeIDs.ListActiveCardIDs(ctx)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	removed, err := s.worktrees.CleanupOrphans(ctx, activeCardIDs)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}
