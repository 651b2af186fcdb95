// Package api provides comprehensive testing for authentication and
// entity-processing HTTP handlers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/entityflow/entitycore/entity"
	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/message"
	"github.com/entityflow/entitycore/security"
	"github.com/entityflow/entitycore/tenant"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockMessagePublisher is a mock message publisher for testing.
type MockMessagePublisher struct {
	PublishMessageFunc func(message.Message) error
	Published          []message.Message
	CloseFunc          func() error
}

func (m *MockMessagePublisher) PublishMessage(msg message.Message) error {
	m.Published = append(m.Published, msg)
	if m.PublishMessageFunc != nil {
		return m.PublishMessageFunc(msg)
	}
	return nil
}

func (m *MockMessagePublisher) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func newTestHandlers() *Handlers {
	return &Handlers{
		Queue:    &MockMessagePublisher{},
		Entities: entity.NewMemoryRepository(),
		Ledger:   ledger.NewMemoryLedger(),
		Tokens:   security.NewTokenService("test-secret-key", time.Hour),
	}
}

func withTenantContext(req *http.Request, tenantID string) *http.Request {
	ctx, err := tenant.WithTenant(req.Context(), tenantID)
	if err != nil {
		panic(err)
	}
	return req.WithContext(ctx)
}

// TestGenerateToken_Success tests successful JWT token generation with a valid tenant id.
func TestGenerateToken_Success(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	requestBody := `{"tenant_id":"tenant-a","scopes":["entities:read"]}`
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(requestBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.GenerateToken(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var response TokenResponse
	err = json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.NotEmpty(t, response.Token)

	claims, err := handlers.Tokens.ValidateToken(response.Token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, []string{"entities:read"}, claims.Scopes)
}

// TestGenerateToken_EmptyTenantID tests token generation with an empty tenant id.
func TestGenerateToken_EmptyTenantID(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	requestBody := `{"tenant_id":""}`
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(requestBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.GenerateToken(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var response map[string]string
	err = json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "tenant_id is required", response["error"])
}

// TestGenerateToken_InvalidJSON tests token generation with malformed JSON.
func TestGenerateToken_InvalidJSON(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	requestBody := `{"tenant_id":"tenant-a"`
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(requestBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.GenerateToken(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestGenerateToken_DifferentSecrets tests that tokens from different secrets cannot be validated.
func TestGenerateToken_DifferentSecrets(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	requestBody := `{"tenant_id":"tenant-a"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(requestBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.GenerateToken(c)
	require.NoError(t, err)

	var response TokenResponse
	err = json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	_, err = handlers.Tokens.ValidateToken(response.Token)
	assert.NoError(t, err)

	otherTokens := security.NewTokenService("different-secret", time.Hour)
	_, err = otherTokens.ValidateToken(response.Token)
	assert.Error(t, err)
}

// TestSubmitMessage_Success tests successful message submission.
func TestSubmitMessage_Success(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()
	publisher := handlers.Queue.(*MockMessagePublisher)

	msg := message.NewEntityMessage(message.EntityReference{
		ExternalID:    "ext-1",
		CanonicalType: "order",
		Source:        "shop",
	}, map[string]interface{}{"amount": 10})
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/messages", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err = handlers.SubmitMessage(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, publisher.Published, 1)
	assert.Equal(t, "tenant-a", publisher.Published[0].EntityReference.TenantID)
}

// TestSubmitMessage_MissingExternalID tests submission without an external id.
func TestSubmitMessage_MissingExternalID(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	msg := message.NewEntityMessage(message.EntityReference{}, nil)
	body, _ := json.Marshal(msg)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/messages", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.SubmitMessage(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var response map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &response)
	assert.Equal(t, "entity_reference.external_id is required", response["error"])
}

// TestSubmitMessage_NoTenant tests submission without a tenant in context.
func TestSubmitMessage_NoTenant(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	msg := message.NewEntityMessage(message.EntityReference{ExternalID: "ext-1"}, nil)
	body, _ := json.Marshal(msg)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/messages", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.SubmitMessage(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestSubmitMessage_PublishError tests error handling when publishing fails.
func TestSubmitMessage_PublishError(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()
	publisher := handlers.Queue.(*MockMessagePublisher)
	publisher.PublishMessageFunc = func(message.Message) error { return assert.AnError }

	msg := message.NewEntityMessage(message.EntityReference{ExternalID: "ext-1"}, nil)
	body, _ := json.Marshal(msg)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/messages", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.SubmitMessage(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// TestGetEntity_NotFound tests entity retrieval when the id doesn't exist.
func TestGetEntity_NotFound(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	req := httptest.NewRequest(http.MethodGet, "/v1/api/entities/missing", nil)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := handlers.GetEntity(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestGetEntity_Success tests a successful entity lookup after creation.
func TestGetEntity_Success(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	bg := tenant.MustWithTenant(context.Background(), "tenant-a")
	created, err := handlers.Entities.Create(bg, entity.CreateInput{
		TenantID:      "tenant-a",
		ExternalID:    "ext-1",
		CanonicalType: "order",
		Source:        "shop",
		ContentHash:   "hash-1",
		Attributes:    map[string]interface{}{"amount": 10},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/api/entities/"+created.ID, nil)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)

	err = handlers.GetEntity(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestGetEntity_EmptyID tests entity retrieval with an empty id.
func TestGetEntity_EmptyID(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	req := httptest.NewRequest(http.MethodGet, "/v1/api/entities/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("")

	err := handlers.GetEntity(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestListEntitiesByState_MissingState tests listing without a state query param.
func TestListEntitiesByState_MissingState(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	req := httptest.NewRequest(http.MethodGet, "/v1/api/entities", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handlers.ListEntitiesByState(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestListEntitiesByState_Success tests listing entities filtered by state.
func TestListEntitiesByState_Success(t *testing.T) {
	e := echo.New()
	handlers := newTestHandlers()

	bg := tenant.MustWithTenant(context.Background(), "tenant-a")
	_, err := handlers.Ledger.RecordTransition(bg, ledger.RecordInput{
		EntityID:       "entity-1",
		FromState:      "",
		ToState:        "RECEIVED",
		Actor:          "ingest",
		TransitionType: ledger.TransitionNormal,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/api/entities?state=RECEIVED", nil)
	req = withTenantContext(req, "tenant-a")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err = handlers.ListEntitiesByState(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &response)
	assert.Equal(t, float64(1), response["count"])
}
