// Package httpapi exposes the credit ledger over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxBodyBytes   = 1 << 20
)

// ActionHandler runs one ledger action. *action.Dispatcher satisfies it.
type ActionHandler interface {
	Handle(ctx context.Context, request action.Request) action.Response
}

// EventHandler applies a billing webhook body. *webhook.Handler satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, payload []byte) (webhook.Outcome, error)
}

// Config tunes the router.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// NewRouter builds the gin engine. events may be nil, in which case the webhook route is not registered.
func NewRouter(cfg Config, actions ActionHandler, events EventHandler, logger *zap.Logger) (*gin.Engine, error) {
	if actions == nil {
		return nil, fmt.Errorf("%w: action handler is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	handler := &httpHandler{cfg: cfg, actions: actions, events: events, logger: logger}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.POST("/credits", handler.handleAction)
	if events != nil {
		api.POST("/webhooks/billing", handler.handleEvent)
	}
	return router, nil
}

type httpHandler struct {
	cfg     Config
	actions ActionHandler
	events  EventHandler
	logger  *zap.Logger
}

func (handler *httpHandler) handleAction(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxBodyBytes)
	var request action.Request
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, action.Failure("", fmt.Errorf("%w: expected JSON body", ledger.ErrInvalidArgument)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	response := handler.actions.Handle(requestCtx, request)
	statusCode := http.StatusOK
	if response.Error != nil {
		statusCode = StatusForCode(response.Error.Code)
		if statusCode >= http.StatusInternalServerError {
			handler.logger.Error("credit action failed", zap.String("action", string(response.Action)), zap.String("error_code", string(response.Error.Code)))
		}
	}
	ctx.JSON(statusCode, response)
}

func (handler *httpHandler) handleEvent(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, action.Failure("", fmt.Errorf("%w: unreadable body", ledger.ErrInvalidArgument)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	outcome, err := handler.events.Handle(requestCtx, payload)
	if err != nil {
		code := ledger.ErrorCodeOf(err)
		statusCode := StatusForCode(code)
		if statusCode >= http.StatusInternalServerError {
			handler.logger.Error("webhook processing failed", zap.Error(err))
		} else {
			handler.logger.Warn("webhook rejected", zap.String("error_code", string(code)), zap.Error(err))
		}
		ctx.JSON(statusCode, action.Failure("", err))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":         true,
		"outcome":          outcome.Kind,
		"refill_scheduled": outcome.RefillScheduled,
		"duplicate":        outcome.Duplicate,
	})
}

// StatusForCode maps a ledger error code to an HTTP status.
func StatusForCode(code ledger.ErrorCode) int {
	switch code {
	case ledger.CodeInvalidArgument:
		return http.StatusBadRequest
	case ledger.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case ledger.CodeJobNotFound, ledger.CodeNoActiveSubscription, ledger.CodePlanNotFound:
		return http.StatusNotFound
	case ledger.CodeJobExists, ledger.CodeJobClosed, ledger.CodeJobAlreadyReserved, ledger.CodeJobNotReserved,
		ledger.CodeRefillAlreadyApplied, ledger.CodeDuplicateIdempotencyKey:
		return http.StatusConflict
	case ledger.CodeNothingToRefund:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
