package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCleanOnce(t *testing.T) {
	repo := newMemOutboxRepository()
	clock := clockwork.NewFakeClockAt(testStart)
	day := 24 * time.Hour

	oldProcessed := seedEvent(repo, testStart.Add(-40*day))
	processedAt := testStart.Add(-31 * day)
	oldProcessed.ProcessedAt = &processedAt
	repo.put(oldProcessed)

	recentProcessed := seedEvent(repo, testStart.Add(-2*day))
	recentAt := testStart.Add(-2 * day)
	recentProcessed.ProcessedAt = &recentAt
	repo.put(recentProcessed)

	stale := seedEvent(repo, testStart.Add(-8*day))
	fresh := seedEvent(repo, testStart.Add(-time.Hour))

	repo.claims["expired"] = claim{expiresAt: testStart.Add(-time.Minute)}
	repo.claims["live"] = claim{expiresAt: testStart.Add(time.Minute)}

	c := NewCleaner(nil, repo, clock, CleanupConfig{}, zap.NewNop())
	res, err := c.CleanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Processed: 1, Unprocessed: 1, Claims: 1}, res)

	_, ok := repo.get(oldProcessed.ID)
	assert.False(t, ok)
	_, ok = repo.get(stale.ID)
	assert.False(t, ok)
	_, ok = repo.get(recentProcessed.ID)
	assert.True(t, ok)
	_, ok = repo.get(fresh.ID)
	assert.True(t, ok)
	assert.Contains(t, repo.claims, "live")
	assert.NotContains(t, repo.claims, "expired")
}
