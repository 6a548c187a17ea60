package clientcache

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealquilamos/rentbot/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "silent")
}

func newTestCache(ttl time.Duration) *Cache {
	return New(10, ttl, testLogger())
}

func TestGetSetRoundTrip(t *testing.T) {
	c := newTestCache(time.Hour)
	c.Set(&Entry{PhoneNumber: "5551234567", Name: "Maria", ThreadID: "thread_1"})

	e := c.Get("5551234567@s.whatsapp.net")
	require.NotNil(t, e)
	assert.Equal(t, "Maria", e.Name)
	assert.Equal(t, "thread_1", e.ThreadID)

	assert.Nil(t, c.Get("unknown"))
}

func TestNeedsUpdate(t *testing.T) {
	c := newTestCache(time.Hour)
	c.Set(&Entry{
		PhoneNumber: "5551234567",
		Name:        "Maria",
		UserName:    "maria_w",
		Labels:      []string{"vip", "booked"},
		CachedAt:    time.Now(),
	})

	tests := []struct {
		name        string
		userID      string
		webhookName string
		labels      []string
		want        bool
	}{
		{"unknown user", "999", "Bob", nil, true},
		{"fresh entry, same data", "5551234567", "Maria", []string{"booked", "vip"}, false},
		{"name matches display name", "5551234567", "maria_w", []string{"vip", "booked"}, false},
		{"placeholder name ignored", "5551234567", "Usuario", []string{"vip", "booked"}, false},
		{"phone as name ignored", "5551234567", "5551234567", []string{"vip", "booked"}, false},
		{"name matches neither field", "5551234567", "Maria Lopez", []string{"vip", "booked"}, true},
		{"labels changed", "5551234567", "Maria", []string{"vip"}, true},
		{"nil labels skip comparison", "5551234567", "Maria", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.NeedsUpdate(tt.userID, tt.webhookName, tt.labels))
		})
	}
}

func TestNeedsUpdateTTLExpiry(t *testing.T) {
	c := newTestCache(time.Hour)
	c.Set(&Entry{
		PhoneNumber: "5551234567",
		Name:        "Maria",
		CachedAt:    time.Now().Add(-2 * time.Hour),
	})
	assert.True(t, c.NeedsUpdate("5551234567", "Maria", nil))
}

func TestContextChanged(t *testing.T) {
	c := newTestCache(time.Hour)
	c.Set(&Entry{PhoneNumber: "5551234567", Name: "Maria", Labels: []string{"vip"}})

	changed, hash := c.ContextChanged("5551234567")
	assert.True(t, changed, "never-sent context must count as changed")
	require.NotEmpty(t, hash)

	c.MarkContextSent("5551234567", hash)
	changed, _ = c.ContextChanged("5551234567")
	assert.False(t, changed)

	// mutating the profile flips the predicate back
	e := c.Get("5551234567")
	e.Name = "Maria Lopez"
	changed, newHash := c.ContextChanged("5551234567")
	assert.True(t, changed)
	assert.NotEqual(t, hash, newHash)
}

func TestContextHashIgnoresLabelOrder(t *testing.T) {
	a := ContextHash("Maria", "maria_w", []string{"vip", "booked"})
	b := ContextHash("Maria", "maria_w", []string{"booked", "vip"})
	assert.Equal(t, a, b)

	c := ContextHash("Maria", "maria_w", []string{"booked"})
	assert.NotEqual(t, a, c)
}

func TestEviction(t *testing.T) {
	c := New(2, time.Hour, testLogger())
	c.Set(&Entry{PhoneNumber: "1"})
	c.Set(&Entry{PhoneNumber: "2"})
	c.Set(&Entry{PhoneNumber: "3"})

	assert.Nil(t, c.Get("1"), "oldest entry should be evicted at capacity")
	assert.NotNil(t, c.Get("2"))
	assert.NotNil(t, c.Get("3"))
}

func TestMarkForSyncAndTokenCount(t *testing.T) {
	c := newTestCache(time.Hour)
	c.Set(&Entry{PhoneNumber: "5551234567", Name: "Maria"})

	c.MarkForSync("5551234567")
	c.UpdateTokenCount("5551234567", 1234)

	e := c.Get("5551234567")
	require.NotNil(t, e)
	assert.True(t, e.NeedsSync)
	assert.Equal(t, 1234, e.ThreadTokenCount)

	// a flagged entry counts as stale until the next successful injection
	assert.True(t, c.NeedsUpdate("5551234567", "Maria", nil))
	c.MarkContextSent("5551234567", "h1")
	assert.False(t, c.NeedsUpdate("5551234567", "Maria", nil))
}
