package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/middlewares"
	"bitbucket.org/medfocus/intake_backend/models"
	"bitbucket.org/medfocus/intake_backend/utils"
	"bitbucket.org/medfocus/intake_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("intake-backend")

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	router := gin.Default()
	router.Use(cors.New(corsConfig()))

	router.GET("/healthz", healthzHandler())

	// Payment-provider webhooks authenticate by shared secret, not a clinician
	// token; mutations run as the system actor.
	router.POST("/webhooks/payment", paymentWebhookHandler())

	api := router.Group("/api")
	api.Use(middlewares.CorrelationMiddleware())
	api.Use(middlewares.AuthMiddleware())
	api.Use(middlewares.RequireActor())
	{
		api.POST("/requests", createRequestHandler())
		api.GET("/requests/review-queue", reviewQueueHandler())
		api.GET("/requests/:id", getRequestHandler())
		api.GET("/requests/:id/audit", auditTrailHandler())
		api.GET("/audit/actors/:actorId", middlewares.RequireAdmin(), auditByActorHandler())

		api.POST("/requests/:id/transition", transitionHandler())
		api.POST("/requests/:id/decline", declineHandler())
		api.POST("/requests/:id/cancel", cancelHandler())
		api.POST("/requests/:id/refund", refundHandler())

		api.POST("/requests/:id/review-lock", acquireReviewLockHandler())
		api.PUT("/requests/:id/review-lock", extendReviewLockHandler())
		api.DELETE("/requests/:id/review-lock", releaseReviewLockHandler())

		api.POST("/requests/:id/drafts", createDraftHandler())
		api.GET("/requests/:id/drafts/:type", latestDraftHandler())
		api.GET("/requests/:id/drafts/:type/versions", draftVersionsHandler())
		api.GET("/drafts/:id/diff", draftDiffHandler())
		api.POST("/drafts/:id/approve", approveDraftHandler())
		api.POST("/drafts/:id/reject", rejectDraftHandler())
		api.POST("/drafts/:id/failed", markDraftFailedHandler())
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Connect to backing services after the listener is up (Cloud Run needs the
	// port open quickly).
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	log.Println("server exited")
}

// healthzHandler reports readiness of the backing stores. Connections come up
// after the listener, so a fresh instance answers degraded until they do.
func healthzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		dbUp := config.GetDB() != nil
		redisUp := false
		if rdb := config.GetRedisDB(); rdb != nil {
			redisUp = rdb.Ping(c.Request.Context()).Err() == nil
		}
		status := http.StatusOK
		if !dbUp || !redisUp {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"database": dbUp, "redis": redisUp})
	}
}

func corsConfig() cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Correlation-Id"}
	return corsCfg
}

// writeWorkflowError maps the coordinator's typed failures onto HTTP. Policy
// gates carry their remedy so the UI can point the reviewer at the fix.
func writeWorkflowError(c *gin.Context, err error) {
	if gateErr, ok := workflow.IsGateError(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  gateErr.Code,
			"remedy": gateErr.Remedy,
			"detail": gateErr.Detail,
		})
		return
	}
	switch {
	case errors.Is(err, workflow.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "InvalidTransition", "message": err.Error()})
	case errors.Is(err, workflow.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflict", "message": err.Error()})
	case errors.Is(err, workflow.ErrDraftFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": "DraftFinalized", "message": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "NotFound"})
	default:
		config.LogError(config.GetLogger(), "server.go", "writeWorkflowError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal"})
	}
}

func createRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		request, err := models.CreateRequest(c.Request.Context(), &input)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusCreated, request)
	}
}

func reviewQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		requests, err := models.ListReviewQueue(c.Request.Context(), limit)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, requests)
	}
}

func getRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		request, err := models.GetRequest(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

func auditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := models.GetAuditTrail(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func auditByActorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := models.GetAuditTrailByActor(c.Request.Context(), c.Param("actorId"), limit)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type transitionInput struct {
	Target             string `json:"target" binding:"required"`
	SafetyAcknowledged bool   `json:"safety_acknowledged"`
}

func transitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input transitionInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		target, err := models.ParseRequestStatus(input.Target)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		request, err := workflow.Transition(c.Request.Context(), c.Param("id"), target, workflow.TransitionOpts{
			SafetyAcknowledged: input.SafetyAcknowledged,
		})
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

type declineInput struct {
	ReasonCode string `json:"reason_code" binding:"required"`
	ReasonNote string `json:"reason_note" binding:"required"`
}

func declineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input declineInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		request, err := workflow.Decline(c.Request.Context(), c.Param("id"),
			models.DeclineReasonCode(input.ReasonCode), input.ReasonNote)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

func cancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		request, err := workflow.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

type refundInput struct {
	Reason string `json:"reason"`
}

func refundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input refundInput
		_ = c.ShouldBindJSON(&input)

		request, err := workflow.MarkRefunded(c.Request.Context(), c.Param("id"), input.Reason)
		if errors.Is(err, workflow.ErrAlreadyRefunded) {
			c.JSON(http.StatusOK, gin.H{"success": true, "already_refunded": true, "request": request})
			return
		}
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "request": request})
	}
}

func acquireReviewLockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		actorId, _ := utils.GetActorIdFromContext(ctx)
		actorName, _ := utils.GetActorNameFromContext(ctx)

		clinicId, _ := utils.GetClinicIdFromContext(ctx)
		if err := utils.ValidateResourceId[models.Request](ctx, clinicId, c.Param("id")); err != nil {
			writeWorkflowError(c, err)
			return
		}

		manager := workflow.DefaultReviewLockManager()
		warning, err := manager.Acquire(ctx, c.Param("id"), actorId, actorName)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"warning": warning})
	}
}

func extendReviewLockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		actorId, _ := utils.GetActorIdFromContext(ctx)

		manager := workflow.DefaultReviewLockManager()
		if err := manager.Extend(ctx, c.Param("id"), actorId); err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func releaseReviewLockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		actorId, _ := utils.GetActorIdFromContext(ctx)

		manager := workflow.DefaultReviewLockManager()
		if err := manager.Release(ctx, c.Param("id"), actorId); err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// createDraftHandler receives a generation result from the draft pipeline and
// stores it as the next version.
func createDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			ContentType models.DraftContentType `json:"content_type" binding:"required"`
			Content     map[string]interface{}  `json:"content"`
			Status      models.DraftStatus      `json:"status"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		draft, err := models.CreateDraftVersion(c.Request.Context(), &models.NewDraft{
			RequestId:   c.Param("id"),
			ContentType: input.ContentType,
			Content:     input.Content,
			Status:      input.Status,
		})
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusCreated, draft)
	}
}

func draftVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		drafts, err := models.GetDraftVersions(c.Request.Context(), c.Param("id"), models.DraftContentType(c.Param("type")))
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, drafts)
	}
}

func markDraftFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		draftId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
			return
		}
		if err := models.MarkDraftFailed(c.Request.Context(), draftId); err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func latestDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		draft, err := models.LatestDraft(ctx, c.Param("id"), models.DraftContentType(c.Param("type")))
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		staleness, err := workflow.CheckStaleness(ctx, draft.ID)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"draft": draft, "staleness": staleness})
	}
}

func draftDiffHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		draftId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
			return
		}
		draft, err := models.GetDraft(c.Request.Context(), draftId)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, workflow.ComputeDraftDiff(draft.Content, draft.EditedContent))
	}
}

type approveDraftInput struct {
	EditedContent         map[string]interface{} `json:"edited_content"`
	StalenessAcknowledged bool                   `json:"staleness_acknowledged"`
}

func approveDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		draftId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
			return
		}
		var input approveDraftInput
		_ = c.ShouldBindJSON(&input)

		draft, err := workflow.ApproveDraft(c.Request.Context(), draftId, workflow.ApproveDraftOpts{
			EditedContent:         input.EditedContent,
			StalenessAcknowledged: input.StalenessAcknowledged,
		})
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, draft)
	}
}

type rejectDraftInput struct {
	Reason string `json:"reason" binding:"required"`
}

func rejectDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		draftId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
			return
		}
		var input rejectDraftInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		draft, err := workflow.RejectDraft(c.Request.Context(), draftId, input.Reason)
		if err != nil {
			writeWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, draft)
	}
}

type paymentWebhookInput struct {
	MessageId string `json:"message_id" binding:"required"`
	RequestId string `json:"request_id" binding:"required"`
	ClinicId  string `json:"clinic_id" binding:"required"`
	Event     string `json:"event" binding:"required"` // paid | refunded
	Reason    string `json:"reason"`
}

// paymentWebhookHandler processes at-least-once provider events through the
// durable idempotency layer, then hands off to the state machine.
func paymentWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("PAYMENT_WEBHOOK_SECRET")
		if secret == "" || c.Request.Header.Get("X-Webhook-Secret") != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input paymentWebhookInput
		if err := c.ShouldBindJSON(&input); err != nil {
			// Malformed body: ack/drop to avoid infinite provider retries.
			c.Status(http.StatusNoContent)
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "paymentWebhook")
		defer span.End()

		ctx = utils.SetActorIdInContext(ctx, "system:payment-webhook")
		ctx = utils.SetActorNameInContext(ctx, "Payment Webhook")
		ctx = utils.SetClinicIdInContext(ctx, input.ClinicId)

		db := config.GetDB()
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			skip, err := workflow.BeginIdempotency(tx, input.ClinicId, "paymentWebhook", input.MessageId)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}

			if herr := workflow.ProcessPaymentEvent(ctx, input.RequestId, input.Event, input.Reason); herr != nil {
				_ = workflow.MarkIdempotencyFailed(tx, input.ClinicId, "paymentWebhook", input.MessageId, herr)
				return herr
			}
			return workflow.MarkIdempotencySucceeded(tx, input.ClinicId, "paymentWebhook", input.MessageId)
		})

		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			// Another worker owns it; ask the provider to retry later.
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "paymentWebhookHandler", input.Event, input.RequestId, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
