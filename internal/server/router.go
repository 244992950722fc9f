package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/kartei-app/kartei/internal/identity"
	"github.com/kartei-app/kartei/internal/importer"
	"github.com/kartei-app/kartei/internal/review"
	"go.uber.org/zap"
)

const actorContextKey = "kartei_actor"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingReviewService   = errors.New("review service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// BackendTokenManager issues and validates session tokens.
type BackendTokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	TokenManager    BackendTokenManager
	IdentityService *identity.Service
	ReviewService   *review.Service
	Importer        *importer.Importer
	Dispatcher      *ActivityDispatcher
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.IdentityService == nil {
		return nil, errMissingIdentityService
	}
	if deps.ReviewService == nil {
		return nil, errMissingReviewService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewActivityDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		identities: deps.IdentityService,
		reviews:    deps.ReviewService,
		importer:   deps.Importer,
		dispatcher: dispatcher,
		sessions:   newSessionRegistry(),
		logger:     logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	// Shared decks are world-readable, so the read surface accepts
	// anonymous callers.
	readable := router.Group("/")
	readable.Use(handler.resolveActor(false))
	readable.GET("/decks", handler.handleListDecks)
	readable.GET("/decks/:id/counts", handler.handleDeckCounts)
	readable.GET("/decks/:id/next", handler.handleNextCard)

	protected := router.Group("/")
	protected.Use(handler.resolveActor(true))
	protected.POST("/decks", handler.handleCreateDeck)
	protected.POST("/decks/import", handler.handleImportDeck)
	protected.POST("/decks/:id/rename", handler.handleRenameDeck)
	protected.DELETE("/decks/:id", handler.handleDeleteDeck)
	protected.POST("/decks/:id/cards", handler.handleAddCard)
	protected.POST("/reviews/reveal", handler.handleReveal)
	protected.POST("/reviews", handler.handleGrade)
	protected.POST("/reviews/undo", handler.handleUndo)
	protected.POST("/reviews/abandon", handler.handleAbandon)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens     BackendTokenManager
	identities *identity.Service
	reviews    *review.Service
	importer   *importer.Importer
	dispatcher *ActivityDispatcher
	sessions   *sessionRegistry
	logger     *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.identities.Register(c.Request.Context(), request.Username, request.Password, false)
	if errors.Is(err, identity.ErrMissingCredentials) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	if errors.Is(err, identity.ErrUsernameTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		return
	}
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user_id": user.UserID, "username": user.Username})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.identities.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// resolveActor authenticates the bearer token and stores the acting
// identity on the request. With required=false a missing header yields
// the anonymous actor instead of a rejection.
func (h *httpHandler) resolveActor(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
				return
			}
			c.Set(actorContextKey, review.Actor{})
			c.Next()
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			h.logger.Warn("token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := h.identities.FindByID(c.Request.Context(), subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(actorContextKey, review.Actor{UserID: review.UserID(user.UserID), Admin: user.Admin})
		c.Next()
	}
}

func (h *httpHandler) actor(c *gin.Context) review.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return review.Actor{}
	}
	actor, ok := value.(review.Actor)
	if !ok {
		return review.Actor{}
	}
	return actor
}

type deckSummaryPayload struct {
	DeckID    string `json:"deck_id"`
	Name      string `json:"name"`
	Shared    bool   `json:"shared"`
	Owned     bool   `json:"owned"`
	CardCount int64  `json:"card_count"`
}

func (h *httpHandler) handleListDecks(c *gin.Context) {
	actor := h.actor(c)
	summaries, err := h.reviews.ListDecks(c.Request.Context(), actor)
	if err != nil {
		h.logger.Error("failed to list decks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]deckSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		owned := summary.Deck.OwnerID != nil && *summary.Deck.OwnerID == actor.UserID.String()
		payload = append(payload, deckSummaryPayload{
			DeckID:    summary.Deck.DeckID,
			Name:      summary.Deck.Name,
			Shared:    summary.Deck.Shared(),
			Owned:     owned,
			CardCount: summary.CardCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"decks": payload})
}

type countsPayload struct {
	Total        int64   `json:"total"`
	Due          int64   `json:"due"`
	NextDueAfter *string `json:"next_due_after,omitempty"`
	PracticeMode bool    `json:"practice_mode"`
}

func (h *httpHandler) deckForRequest(c *gin.Context) (review.Deck, review.Decision, bool) {
	deckID, err := review.NewDeckID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deck_id"})
		return review.Deck{}, review.Decision{}, false
	}
	deck, err := h.reviews.FindDeck(c.Request.Context(), deckID)
	if errors.Is(err, review.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deck_not_found"})
		return review.Deck{}, review.Decision{}, false
	}
	if err != nil {
		h.logger.Error("failed to load deck", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deck_load_failed"})
		return review.Deck{}, review.Decision{}, false
	}

	decision := review.Authorize(h.actor(c), deck)
	if !decision.CanView {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return review.Deck{}, review.Decision{}, false
	}
	return deck, decision, true
}

func (h *httpHandler) handleDeckCounts(c *gin.Context) {
	deck, decision, ok := h.deckForRequest(c)
	if !ok {
		return
	}

	counts, err := h.reviews.Counts(c.Request.Context(), review.DeckID(deck.DeckID), h.reviews.Today())
	if err != nil {
		h.logger.Error("failed to count deck", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "counts_failed"})
		return
	}

	payload := countsPayload{
		Total:        counts.Total,
		Due:          counts.Due,
		PracticeMode: !decision.CanSchedule,
	}
	if counts.NextDueAfter != nil {
		formatted := counts.NextDueAfter.Format("2006-01-02")
		payload.NextDueAfter = &formatted
	}
	c.JSON(http.StatusOK, payload)
}

type cardPayload struct {
	CardID string `json:"card_id"`
	DeckID string `json:"deck_id"`
	Front  string `json:"front"`
	Back   string `json:"back,omitempty"`
}

func (h *httpHandler) handleNextCard(c *gin.Context) {
	deck, decision, ok := h.deckForRequest(c)
	if !ok {
		return
	}

	actor := h.actor(c)
	card, err := h.reviews.NextCard(c.Request.Context(), review.DeckID(deck.DeckID), decision, h.reviews.Today())
	if err != nil {
		h.logger.Error("failed to select next card", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "selection_failed"})
		return
	}
	if card == nil {
		if decision.CanSchedule {
			h.sessions.forUser(actor.UserID.String()).Present(nil)
		}
		c.JSON(http.StatusOK, gin.H{"card": nil})
		return
	}

	payload := cardPayload{
		CardID: card.CardID,
		DeckID: card.DeckID,
		Front:  card.Front,
	}
	if decision.CanSchedule {
		// A scheduled review cycle withholds the answer until the card
		// is flipped; practice mode has nothing to grade, so the full
		// card goes out at once.
		h.sessions.forUser(actor.UserID.String()).Present(card)
	} else {
		payload.Back = card.Back
	}
	c.JSON(http.StatusOK, gin.H{"card": payload, "practice_mode": !decision.CanSchedule})
}

func (h *httpHandler) handleReveal(c *gin.Context) {
	actor := h.actor(c)
	card, err := h.sessions.forUser(actor.UserID.String()).Reveal()
	if errors.Is(err, review.ErrNoCardPresented) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_card_presented"})
		return
	}
	c.JSON(http.StatusOK, cardPayload{
		CardID: card.CardID,
		DeckID: card.DeckID,
		Front:  card.Front,
		Back:   card.Back,
	})
}

type gradePayload struct {
	Grade string `json:"grade"`
}

type scheduleStatePayload struct {
	IntervalDays int     `json:"interval_days"`
	EaseFactor   float64 `json:"ease_factor"`
	Repetitions  int     `json:"repetitions"`
	NextDue      string  `json:"next_due"`
}

func schedulePayload(state review.ScheduleState) scheduleStatePayload {
	return scheduleStatePayload{
		IntervalDays: state.IntervalDays,
		EaseFactor:   state.EaseFactor,
		Repetitions:  state.Repetitions,
		NextDue:      state.NextDue.Format("2006-01-02"),
	}
}

func (h *httpHandler) handleGrade(c *gin.Context) {
	var request gradePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	actor := h.actor(c)
	session := h.sessions.forUser(actor.UserID.String())
	card, err := session.BeginGrade()
	if errors.Is(err, review.ErrNoCardPresented) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_card_presented"})
		return
	}
	if errors.Is(err, review.ErrNotRevealed) {
		c.JSON(http.StatusConflict, gin.H{"error": "flip_before_rating"})
		return
	}

	grade := review.ParseGrade(request.Grade)
	result, err := h.reviews.RecordReview(
		c.Request.Context(),
		review.CardID(card.CardID),
		review.DeckID(card.DeckID),
		actor,
		grade,
		h.reviews.Today(),
	)
	if err != nil {
		h.renderReviewError(c, err)
		return
	}

	session.CompleteGrade(result.Pending)
	h.dispatcher.Publish(ActivityMessage{
		UserID:    actor.UserID.String(),
		EventType: ActivityEventReviewRecorded,
		CardID:    card.CardID,
		DeckID:    card.DeckID,
		Grade:     grade.String(),
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{
		"ledger_id": result.LedgerID,
		"state":     schedulePayload(result.State),
	})
}

func (h *httpHandler) handleUndo(c *gin.Context) {
	actor := h.actor(c)
	session := h.sessions.forUser(actor.UserID.String())

	pending, err := session.TakeUndo()
	if errors.Is(err, review.ErrNothingToUndo) {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_to_undo"})
		return
	}

	restored, err := h.reviews.Undo(c.Request.Context(), actor, pending)
	if errors.Is(err, review.ErrNothingToUndo) {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_to_undo"})
		return
	}
	if err != nil {
		// The action was not reverted; keep it undoable.
		session.RestoreUndo(pending)
		h.renderReviewError(c, err)
		return
	}

	h.dispatcher.Publish(ActivityMessage{
		UserID:    actor.UserID.String(),
		EventType: ActivityEventReviewUndone,
		CardID:    pending.CardID.String(),
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{"state": schedulePayload(restored)})
}

func (h *httpHandler) handleAbandon(c *gin.Context) {
	actor := h.actor(c)
	h.sessions.forUser(actor.UserID.String()).Abandon()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) renderReviewError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, review.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case errors.Is(err, review.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, review.ErrStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_failure"})
	default:
		h.logger.Error("review operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type createDeckPayload struct {
	Name   string `json:"name"`
	Shared bool   `json:"shared"`
}

func (h *httpHandler) handleCreateDeck(c *gin.Context) {
	var request createDeckPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	deck, err := h.reviews.CreateDeck(c.Request.Context(), h.actor(c), strings.TrimSpace(request.Name), request.Shared)
	if errors.Is(err, review.ErrPermissionDenied) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create deck", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deck_id": deck.DeckID, "name": deck.Name, "shared": deck.Shared()})
}

type renameDeckPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleRenameDeck(c *gin.Context) {
	var request renameDeckPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deckID, err := review.NewDeckID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deck_id"})
		return
	}

	err = h.reviews.RenameDeck(c.Request.Context(), h.actor(c), deckID, strings.TrimSpace(request.Name))
	if err != nil {
		h.renderReviewError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteDeck(c *gin.Context) {
	deckID, err := review.NewDeckID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deck_id"})
		return
	}

	if err := h.reviews.DeleteDeck(c.Request.Context(), h.actor(c), deckID); err != nil {
		h.renderReviewError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addCardPayload struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

func (h *httpHandler) handleAddCard(c *gin.Context) {
	var request addCardPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Front) == "" || strings.TrimSpace(request.Back) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deckID, err := review.NewDeckID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deck_id"})
		return
	}

	card, err := h.reviews.AddCard(c.Request.Context(), h.actor(c), deckID,
		strings.TrimSpace(request.Front), strings.TrimSpace(request.Back))
	if err != nil {
		h.renderReviewError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"card_id": card.CardID, "deck_id": card.DeckID})
}

func (h *httpHandler) handleImportDeck(c *gin.Context) {
	if h.importer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "import_unavailable"})
		return
	}
	deckName := strings.TrimSpace(c.Query("name"))
	if deckName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deck name is required"})
		return
	}

	result, err := h.importer.ImportSharedDeck(c.Request.Context(), h.actor(c), deckName, c.Request.Body)
	if errors.Is(err, importer.ErrAdminRequired) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_required"})
		return
	}
	if err != nil {
		h.logger.Error("deck import failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deck_id":  result.DeckID.String(),
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	actor := h.actor(c)
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), actor.UserID.String())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, message)
			c.Writer.Flush()
		}
	}
}
