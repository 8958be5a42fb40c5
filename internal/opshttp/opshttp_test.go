package opshttp

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/core/internal/audit"
	"github.com/firesentinel/core/internal/devices"
	"github.com/firesentinel/core/internal/rules"
)

type fakePublisher struct{}

func (fakePublisher) Publish(subject string, data []byte) error { return nil }

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return &Server{
		Devices: devices.Registry{DB: db},
		Rules:   rules.NewStore(db, rdb, fakePublisher{}),
		Audit:   audit.NewService(db),
		Log:     logrus.NewEntry(logrus.New()),
	}, mock
}

func TestServer_CreateDeviceWritesRowAndAuditEvent(t *testing.T) {
	s, mock := newTestServer(t)
	rows := sqlmock.NewRows([]string{"registered_at"}).AddRow(time.Now())
	mock.ExpectQuery("INSERT INTO devices").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{"device_id": "dev-1", "type": "sensor", "api_key": "k"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_GetDeviceNotFoundReturns404(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT (.+) FROM devices").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/missing", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_CreateRuleWritesRowAndAudit(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	rule := rules.Rule{Name: "high temp", DeviceID: "dev-1", SensorType: "temperature", Operator: rules.OpGT, Threshold: 80, Enabled: true}
	body, _ := json.Marshal(rule)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_DeleteRuleMissingReturnsNotFound(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/rules/missing", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
