package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatchesRequiresApprovalWhenSet(t *testing.T) {
	f := Filter{RequireApproved: true}
	assert.False(t, f.matches(ExecutorSnapshot{Approved: false}))
	assert.True(t, f.matches(ExecutorSnapshot{Approved: true}))
}

func TestFilterMatchesDistrict(t *testing.T) {
	f := Filter{District: "Chilanzar"}
	assert.True(t, f.matches(ExecutorSnapshot{HomeDistrict: "Chilanzar"}))
	assert.False(t, f.matches(ExecutorSnapshot{HomeDistrict: "Yunusabad"}))
}

func TestFilterMatchesSpecializationOrGeneral(t *testing.T) {
	f := Filter{Specialization: "plumbing"}
	assert.True(t, f.matches(ExecutorSnapshot{Specializations: []string{"plumbing"}}))
	assert.True(t, f.matches(ExecutorSnapshot{Specializations: []string{"general"}}))
	assert.False(t, f.matches(ExecutorSnapshot{Specializations: []string{"electrical"}}))
}

func TestFilterMatchesEmptySpecializationIsWildcard(t *testing.T) {
	f := Filter{}
	assert.True(t, f.matches(ExecutorSnapshot{Specializations: []string{"electrical"}}))
}

func TestMockDirectoryFindCandidatesAppliesFilter(t *testing.T) {
	dir := NewMockDirectory()
	dir.Put(ExecutorSnapshot{ID: "e1", Specializations: []string{"plumbing"}, HomeDistrict: "Chilanzar", Approved: true})
	dir.Put(ExecutorSnapshot{ID: "e2", Specializations: []string{"electrical"}, HomeDistrict: "Yunusabad", Approved: true})

	out, err := dir.FindCandidates(context.Background(), Filter{Specialization: "plumbing"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e1", out[0].ID)
}

func TestMockDirectoryRemove(t *testing.T) {
	dir := NewMockDirectory()
	dir.Put(ExecutorSnapshot{ID: "e1", Approved: true})
	dir.Remove("e1")

	out, err := dir.FindCandidates(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	return true, 0, nil
}

type alwaysDeny struct{}

func (alwaysDeny) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	return false, 5 * time.Second, nil
}

func TestResilientDirectoryPassesThroughWhenAdmitted(t *testing.T) {
	inner := NewMockDirectory()
	inner.Put(ExecutorSnapshot{ID: "e1", Approved: true})

	rd := NewResilientDirectory(inner, alwaysAllow{}, nil, "discovery", 10, time.Minute)
	out, err := rd.FindCandidates(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e1", out[0].ID)
}

func TestResilientDirectoryFallsBackWhenRateLimited(t *testing.T) {
	inner := NewMockDirectory()
	inner.Put(ExecutorSnapshot{ID: "e1", Approved: true})
	fallbackExecutors := []ExecutorSnapshot{{ID: "cached-1", Approved: true}}

	fb := fallbackRunnerFunc(func(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
		assert.Nil(t, primary, "rate-limited calls must not invoke the primary again")
		return fallbackExecutors, nil
	})

	rd := NewResilientDirectory(inner, alwaysDeny{}, fb, "discovery", 10, time.Minute)
	out, err := rd.FindCandidates(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cached-1", out[0].ID)
}

func TestResilientDirectoryWrapsPrimaryThroughFallbackManager(t *testing.T) {
	inner := NewMockDirectory()
	inner.Put(ExecutorSnapshot{ID: "e1", Approved: true})

	called := false
	fb := fallbackRunnerFunc(func(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
		called = true
		return primary(ctx)
	})

	rd := NewResilientDirectory(inner, alwaysAllow{}, fb, "discovery", 10, time.Minute)
	out, err := rd.FindCandidates(context.Background(), Filter{})
	require.NoError(t, err)
	assert.True(t, called)
	require.Len(t, out, 1)
}

func TestResilientDirectoryPropagatesFallbackError(t *testing.T) {
	inner := NewMockDirectory()
	wantErr := errors.New("all strategies exhausted")
	fb := fallbackRunnerFunc(func(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
		return nil, wantErr
	})

	rd := NewResilientDirectory(inner, alwaysAllow{}, fb, "discovery", 10, time.Minute)
	_, err := rd.FindCandidates(context.Background(), Filter{})
	assert.ErrorIs(t, err, wantErr)
}

type fallbackRunnerFunc func(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error)

func (f fallbackRunnerFunc) Run(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return f(ctx, op, kwargs, primary)
}
