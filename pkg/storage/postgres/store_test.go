package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainhook/chainhook/pkg/storage"
	"github.com/chainhook/chainhook/pkg/webhooks"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(db), mock
}

func subscriptionColumns() []string {
	return []string{"id", "url", "event_types", "contract_id", "description", "secret", "headers", "is_active", "created_at", "updated_at"}
}

func subscriptionRow(t *testing.T, sub *webhooks.Subscription) []driver.Value {
	t.Helper()
	eventTypes, err := json.Marshal(sub.EventTypes)
	require.NoError(t, err)
	headers, err := json.Marshal(sub.Headers)
	require.NoError(t, err)
	return []driver.Value{sub.ID, sub.URL, eventTypes, sub.ContractID, sub.Description, sub.Secret, headers, sub.Active, sub.CreatedAt, sub.UpdatedAt}
}

func TestCreateWebhook(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhooks")).
		WithArgs(
			sqlmock.AnyArg(), "https://example.com/hook", sqlmock.AnyArg(), "0xabc",
			"test hook", "secret-1", sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sub := &webhooks.Subscription{
		URL:         "https://example.com/hook",
		EventTypes:  []string{"Transfer"},
		ContractID:  "0xabc",
		Description: "test hook",
		Secret:      "secret-1",
		Active:      true,
	}

	err := store.CreateWebhook(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID, "ID assigned on insert")
	assert.False(t, sub.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebhook(t *testing.T) {
	store, mock := newMockStore(t)

	want := &webhooks.Subscription{
		ID:         "sub-1",
		URL:        "https://example.com/hook",
		EventTypes: []string{"Transfer", "Approval"},
		ContractID: "0xabc",
		Secret:     "secret-1",
		Headers:    map[string]string{"Authorization": "Bearer t"},
		Active:     true,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, url, event_types, contract_id, description, secret, headers, is_active, created_at, updated_at")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns()).AddRow(subscriptionRow(t, want)...))

	got, err := store.GetWebhook(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.EventTypes, got.EventTypes)
	assert.Equal(t, want.Headers, got.Headers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebhookNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns()))

	_, err := store.GetWebhook(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListActiveWebhooks(t *testing.T) {
	store, mock := newMockStore(t)

	a := &webhooks.Subscription{ID: "sub-1", URL: "https://a", EventTypes: []string{"Transfer"}, Secret: "s1", Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	b := &webhooks.Subscription{ID: "sub-2", URL: "https://b", EventTypes: []string{"Approval"}, Secret: "s2", Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_active = TRUE")).
		WillReturnRows(sqlmock.NewRows(subscriptionColumns()).
			AddRow(subscriptionRow(t, a)...).
			AddRow(subscriptionRow(t, b)...))

	subs, err := store.ListActiveWebhooks(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.Equal(t, "sub-2", subs[1].ID)
}

func TestListActiveWebhooksUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	_, err := store.ListActiveWebhooks(context.Background())
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestDeactivateWebhook(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhooks SET is_active = FALSE")).
		WithArgs("sub-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeactivateWebhook(context.Background(), "sub-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateWebhookNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE webhooks").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeactivateWebhook(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
