package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	err := db.migrate()
	require.NoError(t, err)

	var count int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

// --- GuestStore tests ---

func TestGuestStore_UpsertAndGet(t *testing.T) {
	s := NewGuestStore(testDB(t))

	g := &domain.Guest{
		PhoneNumber:      "5551234567",
		Name:             "Maria Lopez",
		UserName:         "maria_w",
		Labels:           []string{"vip", "booked"},
		ChatID:           "5551234567@s.whatsapp.net",
		ThreadID:         "thread_abc",
		ThreadTokenCount: 100,
		LastActivity:     time.Now(),
	}
	require.NoError(t, s.Upsert(g))

	got := s.Get("5551234567")
	require.NotNil(t, got)
	assert.Equal(t, "Maria Lopez", got.Name)
	assert.Equal(t, []string{"vip", "booked"}, got.Labels)
	assert.Equal(t, "thread_abc", got.ThreadID)
	assert.Equal(t, 100, got.ThreadTokenCount)

	assert.Nil(t, s.Get("unknown"))
}

func TestGuestStore_UpsertReplaces(t *testing.T) {
	s := NewGuestStore(testDB(t))

	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "555", Name: "Old"}))
	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "555", Name: "New", Labels: []string{"vip"}}))

	got := s.Get("555")
	require.NotNil(t, got)
	assert.Equal(t, "New", got.Name)
	assert.Equal(t, []string{"vip"}, got.Labels)

	guests := s.List()
	assert.Len(t, guests, 1)
}

func TestGuestStore_UpdateThread(t *testing.T) {
	s := NewGuestStore(testDB(t))

	// creates the row when missing
	require.NoError(t, s.UpdateThread("555", "thread_1"))
	got := s.Get("555")
	require.NotNil(t, got)
	assert.Equal(t, "thread_1", got.ThreadID)

	// replaces an existing thread without touching other fields
	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "555", Name: "Maria", ThreadID: "thread_1"}))
	require.NoError(t, s.UpdateThread("555", "thread_2"))
	got = s.Get("555")
	require.NotNil(t, got)
	assert.Equal(t, "thread_2", got.ThreadID)
	assert.Equal(t, "Maria", got.Name)
}

func TestGuestStore_UpdateTokenCount(t *testing.T) {
	s := NewGuestStore(testDB(t))
	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "555"}))

	require.NoError(t, s.UpdateTokenCount("555", 4242))
	got := s.Get("555")
	require.NotNil(t, got)
	assert.Equal(t, 4242, got.ThreadTokenCount)
}

func TestGuestStore_ListOrdering(t *testing.T) {
	s := NewGuestStore(testDB(t))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "1", LastActivity: old}))
	require.NoError(t, s.Upsert(&domain.Guest{PhoneNumber: "2", LastActivity: time.Now()}))

	guests := s.List()
	require.Len(t, guests, 2)
	assert.Equal(t, "2", guests[0].PhoneNumber, "most recent first")
}
