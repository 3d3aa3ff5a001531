package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const (
	dragBatchMaxSize = 1 << 20
	bodyMaxSize      = 64 << 10
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/board", getBoard(store, auth))
	e.POST("/api/drags", postDrags(store, auth, deduper, logger))
	e.POST("/api/cards", postCard(store, auth))
	e.DELETE("/api/cards/:id", deleteCard(store, auth))
	e.PATCH("/api/cards/:id/move", moveCard(store, auth))
	e.POST("/api/columns", postColumn(store, auth))
	e.PATCH("/api/columns/:id", patchColumn(store, auth))
	e.DELETE("/api/columns/:id", deleteColumn(store, auth))
	e.GET("/api/board/stream", streamBoard(store, auth))
	e.GET("/healthz", healthz())

	initPersistOutbox(store, logger)
}

type boardResponse struct {
	Columns []domain.Column `json:"columns"`
	Cards   []domain.Card   `json:"cards"`
}

// dragEvent is one pointer sample: the element hovered over plus the vertical
// geometry needed for the above/below tie-break.
type dragEvent struct {
	OverID   string          `json:"overId"`
	Geometry domain.Geometry `json:"geometry"`
}

// dragGesture is one completed drag: the dragged id, the cross-column hover
// trail and the final drop. A nil Drop means the gesture was cancelled.
type dragGesture struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	ActiveID       string      `json:"activeId"`
	Hovers         []dragEvent `json:"hovers"`
	Drop           *dragEvent  `json:"drop"`
}

type dragsResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys"`
	Board           boardResponse
}

// MarshalJSON flattens the optimistic board snapshot into the response body.
func (r dragsResponse) MarshalJSON() ([]byte, error) {
	return sonic.ConfigStd.Marshal(struct {
		IdempotencyKeys []string        `json:"idempotencyKeys"`
		Columns         []domain.Column `json:"columns"`
		Cards           []domain.Card   `json:"cards"`
	}{r.IdempotencyKeys, r.Board.Columns, r.Board.Cards})
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := getOutboxStats(); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		columns, cards, err := store.FetchBoard(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		board := domain.NewBoard(columns, cards)
		return c.JSON(http.StatusOK, boardResponse{Columns: board.Columns(), Cards: board.Cards()})
	}
}

// postDrags replays a batch of completed drag gestures against the user's
// board and answers with the reordered snapshot before persistence happens.
// The emitted persistence operations travel through the journaled outbox, so
// a 202 means the reorder will eventually reach the store even across a
// restart.
func postDrags(store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newDragRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		lr := io.LimitReader(c.Request().Body, dragBatchMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		gestures := make([]dragGesture, 0, 4)
		if decodeErr := dec.Decode(&gestures); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetGestures(len(gestures))

		keys := make([]string, len(gestures))
		for i := range gestures {
			if gestures[i].IdempotencyKey == "" {
				gestures[i].IdempotencyKey = uuid.NewString()
			}
			if gestures[i].ActiveID == "" {
				metrics.SetErrorStage("validate")
				err = c.String(http.StatusBadRequest, "gesture is missing activeId")
				return err
			}
			keys[i] = gestures[i].IdempotencyKey
		}

		added, dedupeErr := deduper.AddMany(ctx, userID, keys)
		if dedupeErr != nil {
			rollbackKeys(ctx, deduper, userID, keys, added, c.Logger())
			metrics.SetErrorStage("dedupe")
			c.Logger().Error(dedupeErr)
			err = c.String(http.StatusInternalServerError, "failed to record gestures")
			return err
		}

		fresh := gestures[:0]
		addedKeys := make([]string, 0, len(keys))
		deduped := 0
		for i := range gestures {
			if !added[i] {
				deduped++
				continue
			}
			fresh = append(fresh, gestures[i])
			addedKeys = append(addedKeys, keys[i])
		}
		metrics.SetDeduped(deduped)

		fetchStart := time.Now()
		columns, cards, fetchErr := store.FetchBoard(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			rollbackKeys(ctx, deduper, userID, addedKeys, nil, c.Logger())
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		board := domain.NewBoard(columns, cards)
		reconcileStart := time.Now()
		ops := make([]domain.PersistOp, 0, len(fresh))
		for _, g := range fresh {
			ops = append(ops, replayGesture(board, g)...)
		}
		metrics.ObserveReconcile(time.Since(reconcileStart))
		metrics.SetOpsEmitted(len(ops))

		if len(ops) > 0 {
			job := persistJob{userID: userID, ops: ops, added: addedKeys}
			if enqueueErr := enqueuePersistJob(job); enqueueErr != nil {
				rollbackKeys(ctx, deduper, userID, addedKeys, nil, c.Logger())
				metrics.SetErrorStage("enqueue")
				c.Logger().Errorf("persist enqueue failed: %v", enqueueErr)
				err = c.String(http.StatusInternalServerError, "failed to accept gestures")
				return err
			}
		}

		resp := dragsResponse{
			IdempotencyKeys: keys,
			Board:           boardResponse{Columns: board.Columns(), Cards: board.Cards()},
		}
		encodeStart := time.Now()
		err = c.JSON(http.StatusAccepted, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// replayGesture runs one gesture through the reconciler. Cancelled gestures
// (no drop) still clear the drag state and produce nothing.
func replayGesture(board *domain.Board, g dragGesture) []domain.PersistOp {
	r := domain.NewReconciler(board)
	r.Start(g.ActiveID)
	for _, h := range g.Hovers {
		r.Over(g.ActiveID, h.OverID, h.Geometry)
	}
	if g.Drop == nil {
		r.End(g.ActiveID, "", domain.Geometry{})
		return nil
	}
	return r.End(g.ActiveID, g.Drop.OverID, g.Drop.Geometry)
}

// rollbackKeys removes idempotency keys recorded for gestures the request
// ultimately failed to accept, so the client may retry them. When results is
// non-nil only the keys it marks as added are removed.
func rollbackKeys(ctx context.Context, deduper Deduper, userID string, keys []string, results []bool, logger echo.Logger) {
	for i, key := range keys {
		if results != nil && (i >= len(results) || !results[i]) {
			continue
		}
		if err := deduper.Remove(ctx, userID, key); err != nil {
			logger.Warnf("failed to release idempotency key %s: %v", key, err)
		}
	}
}

type newCardRequest struct {
	ColumnID string `json:"columnId"`
	Title    string `json:"title"`
	Notes    string `json:"notes"`
}

func postCard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req newCardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(req.Title) == "" || req.ColumnID == "" {
			return c.String(http.StatusBadRequest, "title and columnId are required")
		}

		columns, cards, err := store.FetchBoard(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		board := domain.NewBoard(columns, cards)
		if _, ok := board.FindContainerOf(req.ColumnID); !ok {
			return c.String(http.StatusNotFound, "column not found")
		}

		card := board.AddCard(domain.Card{
			ID:       uuid.NewString(),
			ColumnID: req.ColumnID,
			Title:    req.Title,
			Notes:    req.Notes,
		})
		if err := store.InsertCard(ctx, userID, card); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishChange(c, store, userID, "card-created")
		return c.JSON(http.StatusCreated, card)
	}
}

func deleteCard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		cardID := c.Param("id")
		if cardID == "" {
			return c.String(http.StatusBadRequest, "card id is required")
		}
		if err := store.DeleteCard(ctx, userID, cardID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishChange(c, store, userID, "card-deleted")
		return c.NoContent(http.StatusNoContent)
	}
}

type moveCardRequest struct {
	ColumnID string `json:"columnId"`
	Position int    `json:"position"`
}

// moveCard is the direct, non-gestural move: one card to one column and
// position, persisted synchronously.
func moveCard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		cardID := c.Param("id")
		var req moveCardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if cardID == "" || req.ColumnID == "" || req.Position < 0 {
			return c.String(http.StatusBadRequest, "card id, columnId and a non-negative position are required")
		}

		op := domain.CardStatusPositionOp{CardID: cardID, ColumnID: req.ColumnID, Position: req.Position}
		if err := store.ApplyOps(ctx, userID, []domain.PersistOp{op}); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishChange(c, store, userID, "card-moved")
		return c.NoContent(http.StatusNoContent)
	}
}

type columnRequest struct {
	Title string `json:"title"`
}

func postColumn(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req columnRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(req.Title) == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}

		columns, cards, err := store.FetchBoard(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		board := domain.NewBoard(columns, cards)
		col := board.AddColumn(domain.Column{ID: uuid.NewString(), Title: req.Title})
		if err := store.InsertColumn(ctx, userID, col); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishChange(c, store, userID, "column-created")
		return c.JSON(http.StatusCreated, col)
	}
}

func patchColumn(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		columnID := c.Param("id")
		var req columnRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if columnID == "" || strings.TrimSpace(req.Title) == "" {
			return c.String(http.StatusBadRequest, "column id and title are required")
		}
		if err := store.RenameColumn(ctx, userID, columnID, req.Title); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishChange(c, store, userID, "column-renamed")
		return c.NoContent(http.StatusNoContent)
	}
}

// deleteColumn removes a column and every card it contains. Remaining columns
// are renumbered to keep display order contiguous.
func deleteColumn(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		columnID := c.Param("id")
		if columnID == "" {
			return c.String(http.StatusBadRequest, "column id is required")
		}

		columns, cards, err := store.FetchBoard(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		board := domain.NewBoard(columns, cards)
		removedCardIDs, ok := board.RemoveColumn(columnID)
		if !ok {
			return c.String(http.StatusNotFound, "column not found")
		}
		if err := store.DeleteColumn(ctx, userID, columnID, removedCardIDs); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		remaining := board.Columns()
		entries := make([]domain.ColumnOrderEntry, len(remaining))
		for i, col := range remaining {
			entries[i] = domain.ColumnOrderEntry{ID: col.ID, Order: col.Order}
		}
		if len(entries) > 0 {
			if err := store.ApplyOps(ctx, userID, []domain.PersistOp{domain.ColumnsOrderOp{Entries: entries}}); err != nil {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, err.Error())
			}
		}
		publishChange(c, store, userID, "column-deleted")
		return c.NoContent(http.StatusNoContent)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, bodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// publishChange notifies listeners that the board changed. Best effort; the
// stream endpoint re-fetches periodically regardless.
func publishChange(c echo.Context, store Storage, userID, reason string) {
	if err := store.PublishBoardChanged(c.Request().Context(), userID, reason); err != nil {
		c.Logger().Warnf("board-changed publish failed: %v", err)
	}
}
