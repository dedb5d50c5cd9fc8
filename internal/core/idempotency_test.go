package core_test

import (
	"context"
	"errors"
	"testing"

	"CDPLedger/internal/core"

	"github.com/stretchr/testify/assert"
)

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(_ context.Context, op, key string) (bool, error) {
	return s.seen[core.CompositeKey(op, key)], s.err
}

func TestIdempotencyLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.Equal(t, int64(1), lru.Evictions())
	assert.Equal(t, []string{"c", "a"}, lru.Keys())
}

func TestIdempotencyChecker_FallsBackToDatabase(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"mint:k1": true}}
	ic := core.NewIdempotencyChecker(16, db, nil)

	assert.True(t, ic.IsDuplicate(context.Background(), "mint", "k1"))
	assert.False(t, ic.IsDuplicate(context.Background(), "burn", "k1"))

	// the database hit is cached
	db.seen = nil
	assert.True(t, ic.IsDuplicate(context.Background(), "mint", "k1"))
}

func TestIdempotencyChecker_DatabaseErrorIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, &stubDB{err: errors.New("down")}, nil)
	assert.False(t, ic.IsDuplicate(context.Background(), "mint", "k1"))

	ic.MarkProcessed("mint", "k1")
	assert.True(t, ic.IsDuplicate(context.Background(), "mint", "k1"))
}
