package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type actionFunc func(ctx context.Context, request action.Request) action.Response

func (fn actionFunc) Handle(ctx context.Context, request action.Request) action.Response {
	return fn(ctx, request)
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{})
	recorder := perform(router, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCreditActionsOverHTTP(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{})

	steps := []struct {
		name           string
		body           string
		expectedStatus int
		expectedCode   ledger.ErrorCode
		expectedBal    int64
	}{
		{name: "grant", body: `{"action":"grant","user_id":"user-1","environment":"sandbox","amount":100,"idempotency_key":"purchase-1"}`, expectedStatus: http.StatusOK, expectedBal: 100},
		{name: "create job", body: `{"action":"create_job","user_id":"user-1","environment":"sandbox","job_id":"job-1"}`, expectedStatus: http.StatusOK, expectedBal: -1},
		{name: "reserve", body: `{"action":"reserve","user_id":"user-1","environment":"sandbox","job_id":"job-1","amount":30}`, expectedStatus: http.StatusOK, expectedBal: 70},
		{name: "reserve again", body: `{"action":"reserve","user_id":"user-1","environment":"sandbox","job_id":"job-1","amount":30}`, expectedStatus: http.StatusConflict, expectedCode: ledger.CodeJobAlreadyReserved, expectedBal: -1},
		{name: "consume", body: `{"action":"consume","user_id":"user-1","environment":"sandbox","job_id":"job-1"}`, expectedStatus: http.StatusOK, expectedBal: 70},
		{name: "unknown job", body: `{"action":"consume","user_id":"user-1","environment":"sandbox","job_id":"job-9"}`, expectedStatus: http.StatusNotFound, expectedCode: ledger.CodeJobNotFound, expectedBal: -1},
		{name: "overdraw", body: `{"action":"create_job","user_id":"user-1","environment":"sandbox","job_id":"job-2"}`, expectedStatus: http.StatusOK, expectedBal: -1},
		{name: "reserve beyond balance", body: `{"action":"reserve","user_id":"user-1","environment":"sandbox","job_id":"job-2","amount":500}`, expectedStatus: http.StatusPaymentRequired, expectedCode: ledger.CodeInsufficientCredits, expectedBal: -1},
		{name: "refill without subscription", body: `{"action":"refill_monthly","user_id":"user-1","environment":"sandbox"}`, expectedStatus: http.StatusNotFound, expectedCode: ledger.CodeNoActiveSubscription, expectedBal: -1},
		{name: "other environment is isolated", body: `{"action":"check_balance","user_id":"user-1","environment":"production"}`, expectedStatus: http.StatusOK, expectedBal: 0},
		{name: "invalid user", body: `{"action":"check_balance","environment":"sandbox"}`, expectedStatus: http.StatusBadRequest, expectedCode: ledger.CodeInvalidArgument, expectedBal: -1},
		{name: "final balance", body: `{"action":"check_balance","user_id":"user-1","environment":"sandbox"}`, expectedStatus: http.StatusOK, expectedBal: 70},
	}
	for _, step := range steps {
		recorder := perform(router, http.MethodPost, "/v1/credits", step.body)
		if recorder.Code != step.expectedStatus {
			test.Fatalf("%s: expected status %d, got %d (%s)", step.name, step.expectedStatus, recorder.Code, recorder.Body.String())
		}
		response := decodeResponse(test, recorder)
		if step.expectedCode != "" {
			if response.Success || response.Error == nil || response.Error.Code != step.expectedCode {
				test.Fatalf("%s: expected code %s, got %+v", step.name, step.expectedCode, response.Error)
			}
			continue
		}
		if !response.Success {
			test.Fatalf("%s: expected success, got %+v", step.name, response.Error)
		}
		if step.expectedBal >= 0 && (response.Balance == nil || *response.Balance != step.expectedBal) {
			test.Fatalf("%s: expected balance %d, got %v", step.name, step.expectedBal, response.Balance)
		}
	}
}

func TestMalformedBodyIsRejected(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{})
	recorder := perform(router, http.MethodPost, "/v1/credits", `{"action":`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	response := decodeResponse(test, recorder)
	if response.Success || response.Error == nil || response.Error.Code != ledger.CodeInvalidArgument {
		test.Fatalf("expected invalid_argument envelope, got %s", recorder.Body.String())
	}
}

func TestMalformedWebhookUsesActionEnvelope(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{})
	recorder := perform(router, http.MethodPost, "/v1/webhooks/billing", `{"event_type":`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	response := decodeResponse(test, recorder)
	if response.Success || response.Error == nil || response.Error.Code != ledger.CodeInvalidArgument {
		test.Fatalf("expected invalid_argument envelope, got %s", recorder.Body.String())
	}
}

func TestStorageFailureHidesDetails(test *testing.T) {
	test.Parallel()
	actions := actionFunc(func(context.Context, action.Request) action.Response {
		return action.Failure(action.NameCheckBalance, ledger.StorageError("balance", "lock_failed", errors.New("dial tcp 10.0.0.5:5432: refused")))
	})
	router, err := NewRouter(Config{}, actions, nil, zap.NewNop())
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	recorder := perform(router, http.MethodPost, "/v1/credits", `{"action":"check_balance","user_id":"user-1","environment":"sandbox"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		test.Fatalf("expected 503, got %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "10.0.0.5") {
		test.Fatalf("storage details leaked: %s", recorder.Body.String())
	}
}

func TestBillingWebhook(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{})

	purchase := `{"event_type":"transaction.completed","data":{"id":"txn_1","custom_data":{"user_id":"user-1","type":"credit_purchase","credits":40}}}`
	recorder := perform(router, http.MethodPost, "/v1/webhooks/billing", purchase)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	var acknowledgement struct {
		Received bool   `json:"received"`
		Outcome  string `json:"outcome"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &acknowledgement); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if !acknowledgement.Received || acknowledgement.Outcome != string(webhook.OutcomePurchase) {
		test.Fatalf("unexpected acknowledgement %+v", acknowledgement)
	}

	balance := decodeResponse(test, perform(router, http.MethodPost, "/v1/credits", `{"action":"check_balance","user_id":"user-1","environment":"sandbox"}`))
	if balance.Balance == nil || *balance.Balance != 40 {
		test.Fatalf("expected purchased credits, got %v", balance.Balance)
	}

	recorder = perform(router, http.MethodPost, "/v1/webhooks/billing", `{"event_type":"subscription.updated","data":{"status":"active"}}`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for invalid event, got %d", recorder.Code)
	}
}

func TestCORSPreflight(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, Config{AllowedOrigins: []string{"https://app.example.com"}})
	request := httptest.NewRequest(http.MethodOptions, "/v1/credits", nil)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		test.Fatalf("expected allowed origin header, got %q", got)
	}
}

func TestStatusForCode(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		code   ledger.ErrorCode
		status int
	}{
		{code: ledger.CodeInvalidArgument, status: http.StatusBadRequest},
		{code: ledger.CodeInsufficientCredits, status: http.StatusPaymentRequired},
		{code: ledger.CodeJobNotFound, status: http.StatusNotFound},
		{code: ledger.CodePlanNotFound, status: http.StatusNotFound},
		{code: ledger.CodeJobExists, status: http.StatusConflict},
		{code: ledger.CodeRefillAlreadyApplied, status: http.StatusConflict},
		{code: ledger.CodeDuplicateIdempotencyKey, status: http.StatusConflict},
		{code: ledger.CodeNothingToRefund, status: http.StatusUnprocessableEntity},
		{code: ledger.CodeStorageFailure, status: http.StatusServiceUnavailable},
	}
	for _, testCase := range testCases {
		if status := StatusForCode(testCase.code); status != testCase.status {
			test.Fatalf("%s: expected %d, got %d", testCase.code, testCase.status, status)
		}
	}
}

func TestNewRouterRequiresActions(test *testing.T) {
	test.Parallel()
	if _, err := NewRouter(Config{}, nil, nil, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func newTestRouter(test *testing.T, cfg Config) *gin.Engine {
	test.Helper()
	service, err := ledger.NewService(memorystore.New(), func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	dispatcher, err := action.NewDispatcher(service)
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}
	events, err := webhook.NewHandler(service, nil, zap.NewNop())
	if err != nil {
		test.Fatalf("webhook: %v", err)
	}
	router, err := NewRouter(cfg, dispatcher, events, zap.NewNop())
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	return router
}

func perform(router http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(test *testing.T, recorder *httptest.ResponseRecorder) action.Response {
	test.Helper()
	var response action.Response
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return response
}
