package rules

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	subjects []string
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *miniredis.Miniredis, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pub := &fakePublisher{}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(db, rdb, pub), mock, mr, pub
}

func TestStore_CreateWritesHotPathAndPublishesChange(t *testing.T) {
	s, mock, mr, pub := newTestStore(t)

	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))

	r := &Rule{
		Name: "high temp", DeviceID: "dev-1", SensorType: "temperature",
		Operator: OpGT, Threshold: 80, Severity: SeverityHigh, AlarmType: "FIRE", Enabled: true,
	}
	require.NoError(t, s.Create(context.Background(), r))

	fields, err := mr.HKeys(hotKey("dev-1", "temperature"))
	require.NoError(t, err)
	require.Len(t, fields, 1)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, ChangeSubject, pub.subjects[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateDisabledRuleSkipsHotPath(t *testing.T) {
	s, mock, mr, _ := newTestStore(t)
	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))

	r := &Rule{Name: "disabled", DeviceID: "dev-2", SensorType: "smoke", Operator: OpGT, Threshold: 10, Enabled: false}
	require.NoError(t, s.Create(context.Background(), r))

	exists, err := mr.Exists(hotKey("dev-2", "smoke"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_UpdateMissingRuleReturnsNotFound(t *testing.T) {
	s, mock, _, _ := newTestStore(t)
	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnError(sql.ErrNoRows)

	r := &Rule{ID: "missing", DeviceID: "dev-3", SensorType: "co", Operator: OpGT, Threshold: 5, Enabled: true}
	err := s.Update(context.Background(), r)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateReplacesHotPathEntryInsteadOfAccumulating(t *testing.T) {
	s, mock, mr, _ := newTestStore(t)

	getRows := func(threshold float64) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "name", "device_id", "sensor_type", "operator", "threshold", "window_seconds", "severity", "alarm_type", "location", "enabled", "metadata"}).
			AddRow("rule-1", "smoke alarm", "dev-1", "smoke", ">", threshold, 0, "HIGH", "FIRE", "", true, []byte(`{}`))
	}

	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnRows(getRows(50))
	mock.ExpectExec("UPDATE rules").WillReturnResult(sqlmock.NewResult(1, 1))

	// Seed the rule's prior hot-path entry so a second field would show up.
	mr.HSet(hotKey("dev-1", "smoke"), "rule-1", `{"rule_id":"rule-1","threshold":50}`)

	r := &Rule{ID: "rule-1", Name: "smoke alarm", DeviceID: "dev-1", SensorType: "smoke",
		Operator: OpGT, Threshold: 100, Severity: SeverityHigh, AlarmType: "FIRE", Enabled: true}
	require.NoError(t, s.Update(context.Background(), r))

	fields, err := mr.HKeys(hotKey("dev-1", "smoke"))
	require.NoError(t, err)
	require.Len(t, fields, 1, "update must replace the rule's hot-path entry, not accumulate a second one")

	raw, err := mr.HGet(hotKey("dev-1", "smoke"), "rule-1")
	require.NoError(t, err)
	assert.Contains(t, raw, `"threshold":100`)
}

func TestStore_UpdateDisablingRuleRemovesHotPathEntry(t *testing.T) {
	s, mock, mr, _ := newTestStore(t)
	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))

	r := &Rule{ID: "rule-2", Name: "co alarm", DeviceID: "dev-1", SensorType: "co",
		Operator: OpGT, Threshold: 50, Severity: SeverityHigh, AlarmType: "FIRE", Enabled: true}
	require.NoError(t, s.Create(context.Background(), r))

	getRows := sqlmock.NewRows([]string{"id", "name", "device_id", "sensor_type", "operator", "threshold", "window_seconds", "severity", "alarm_type", "location", "enabled", "metadata"}).
		AddRow("rule-2", "co alarm", "dev-1", "co", ">", 50.0, 0, "HIGH", "FIRE", "", true, []byte(`{}`))
	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnRows(getRows)
	mock.ExpectExec("UPDATE rules").WillReturnResult(sqlmock.NewResult(1, 1))

	disabled := *r
	disabled.Enabled = false
	require.NoError(t, s.Update(context.Background(), &disabled))

	exists, err := mr.HExists(hotKey("dev-1", "co"), "rule-2")
	require.NoError(t, err)
	assert.False(t, exists, "disabling a rule must remove its hot-path entry")
}

func TestStore_DeleteRemovesOnlyItsOwnHotPathEntry(t *testing.T) {
	s, mock, mr, _ := newTestStore(t)
	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO rules").WillReturnResult(sqlmock.NewResult(1, 1))

	r1 := &Rule{ID: "rule-a", DeviceID: "dev-1", SensorType: "smoke", Operator: OpGT, Threshold: 30, Severity: SeverityLow, AlarmType: "FIRE", Enabled: true}
	r2 := &Rule{ID: "rule-b", DeviceID: "dev-1", SensorType: "smoke", Operator: OpGT, Threshold: 80, Severity: SeverityHigh, AlarmType: "FIRE", Enabled: true}
	require.NoError(t, s.Create(context.Background(), r1))
	require.NoError(t, s.Create(context.Background(), r2))

	getRows := sqlmock.NewRows([]string{"id", "name", "device_id", "sensor_type", "operator", "threshold", "window_seconds", "severity", "alarm_type", "location", "enabled", "metadata"}).
		AddRow("rule-a", "", "dev-1", "smoke", ">", 30.0, 0, "LOW", "FIRE", "", true, []byte(`{}`))
	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnRows(getRows)
	mock.ExpectExec("DELETE FROM rules").WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Delete(context.Background(), "rule-a"))

	existsA, err := mr.HExists(hotKey("dev-1", "smoke"), "rule-a")
	require.NoError(t, err)
	assert.False(t, existsA)

	existsB, err := mr.HExists(hotKey("dev-1", "smoke"), "rule-b")
	require.NoError(t, err)
	assert.True(t, existsB, "deleting one rule must not remove a sibling rule's hot-path entry")
}

func TestStore_GetScansRuleFields(t *testing.T) {
	s, mock, _, _ := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "name", "device_id", "sensor_type", "operator", "threshold", "window_seconds", "severity", "alarm_type", "location", "enabled", "metadata"}).
		AddRow("rule-1", "high temp", "dev-1", "temperature", ">", 80.0, 0, "HIGH", "FIRE", "server-room", true, []byte(`{}`))
	mock.ExpectQuery("SELECT (.+) FROM rules WHERE id=\\$1").WillReturnRows(rows)

	r, err := s.Get(context.Background(), "rule-1")
	require.NoError(t, err)
	assert.Equal(t, OpGT, r.Operator)
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.Equal(t, "server-room", r.Location)
}
