package directory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/forward-bot/internal/domain"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
)

type memoryTopicRepo struct {
	mu      sync.Mutex
	byUser  map[int64]*domain.Topic
	byTopic map[int64]*domain.Topic
}

func newMemoryTopicRepo() *memoryTopicRepo {
	return &memoryTopicRepo{
		byUser:  make(map[int64]*domain.Topic),
		byTopic: make(map[int64]*domain.Topic),
	}
}

func (r *memoryTopicRepo) FindByUser(_ context.Context, userID int64) (*domain.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic, ok := r.byUser[userID]; ok {
		return topic, nil
	}
	return nil, sql.ErrNoRows
}

func (r *memoryTopicRepo) FindByTopic(_ context.Context, topicID int64) (*domain.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic, ok := r.byTopic[topicID]; ok {
		return topic, nil
	}
	return nil, sql.ErrNoRows
}

func (r *memoryTopicRepo) Insert(_ context.Context, topic *domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUser[topic.UserID]; exists {
		return apperrors.NewPersistenceConflict(errors.New("duplicate key"))
	}

	r.byUser[topic.UserID] = topic
	r.byTopic[topic.ID] = topic
	return nil
}

func (r *memoryTopicRepo) DeleteByUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic, ok := r.byUser[userID]; ok {
		delete(r.byTopic, topic.ID)
		delete(r.byUser, userID)
	}
	return nil
}

func (r *memoryTopicRepo) DeleteByTopic(_ context.Context, topicID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic, ok := r.byTopic[topicID]; ok {
		delete(r.byUser, topic.UserID)
		delete(r.byTopic, topicID)
	}
	return nil
}

type countingCreator struct {
	created atomic.Int64
	deleted atomic.Int64
}

func (c *countingCreator) CreateTopic(context.Context, string) (int64, error) {
	return 1000 + c.created.Add(1), nil
}

func (c *countingCreator) DeleteTopic(context.Context, int64) error {
	c.deleted.Add(1)
	return nil
}

func TestResolveOrCreate_FirstContactCreatesOnce(t *testing.T) {
	repo := newMemoryTopicRepo()
	creator := &countingCreator{}
	svc := NewService(repo, creator, nil, nil)

	topicID, created, err := svc.ResolveOrCreate(context.Background(), 7, "Alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, topicID)

	again, created, err := svc.ResolveOrCreate(context.Background(), 7, "Alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, topicID, again)
	assert.Equal(t, int64(1), creator.created.Load())
}

func TestResolveOrCreate_ConcurrentSameUser(t *testing.T) {
	repo := newMemoryTopicRepo()
	creator := &countingCreator{}
	svc := NewService(repo, creator, nil, nil)

	const workers = 32

	var (
		wg       sync.WaitGroup
		creates  atomic.Int64
		topicIDs sync.Map
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			topicID, created, err := svc.ResolveOrCreate(context.Background(), 42, "Bob")
			assert.NoError(t, err)
			if created {
				creates.Add(1)
			}
			topicIDs.Store(topicID, struct{}{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), creates.Load(), "exactly one caller creates")
	assert.Equal(t, int64(1), creator.created.Load(), "exactly one topic created")

	distinct := 0
	topicIDs.Range(func(any, any) bool {
		distinct++
		return true
	})
	assert.Equal(t, 1, distinct, "every caller sees the same topic")

	assert.Eventually(t, func() bool {
		return svc.LiveLocks() == 0
	}, time.Second, 10*time.Millisecond, "lock arena drains after the burst")
}

// blindOnceRepo hides the mapping from the first lookup, modeling another
// instance inserting between our lookup and our insert.
type blindOnceRepo struct {
	*memoryTopicRepo
	missed atomic.Bool
}

func (r *blindOnceRepo) FindByUser(ctx context.Context, userID int64) (*domain.Topic, error) {
	if r.missed.CompareAndSwap(false, true) {
		return nil, sql.ErrNoRows
	}
	return r.memoryTopicRepo.FindByUser(ctx, userID)
}

func TestResolveOrCreate_LostRaceDeletesOrphan(t *testing.T) {
	inner := newMemoryTopicRepo()
	existing := &domain.Topic{ID: 9999, UserID: 5, CreatedAt: time.Now()}
	require.NoError(t, inner.Insert(context.Background(), existing))

	repo := &blindOnceRepo{memoryTopicRepo: inner}
	creator := &countingCreator{}
	svc := NewService(repo, creator, nil, nil)

	topicID, created, err := svc.ResolveOrCreate(context.Background(), 5, "Eve")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9999), topicID, "existing mapping wins the race")
	assert.Equal(t, int64(1), creator.created.Load(), "orphan topic was created")
	assert.Equal(t, int64(1), creator.deleted.Load(), "and cleaned up again")
}

func TestResolveUserAndForget(t *testing.T) {
	repo := newMemoryTopicRepo()
	creator := &countingCreator{}
	svc := NewService(repo, creator, nil, nil)

	topicID, _, err := svc.ResolveOrCreate(context.Background(), 11, "Carol")
	require.NoError(t, err)

	userID, err := svc.ResolveUser(context.Background(), topicID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), userID)

	require.NoError(t, svc.Forget(context.Background(), 11, topicID))

	_, err = svc.ResolveUser(context.Background(), topicID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, found, err := svc.ResolveTopic(context.Background(), 11)
	require.NoError(t, err)
	assert.False(t, found)
}
