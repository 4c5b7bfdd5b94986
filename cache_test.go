package garrison

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

type cacheEntry struct {
	refs refCount
	id   int
}

func (e *cacheEntry) refCounter() *refCount {
	return &e.refs
}

func newCacheEntry(id int) *cacheEntry {
	entry := &cacheEntry{id: id}
	entry.refs.init()
	return entry
}

func TestWeakCacheDeduplicates(t *testing.T) {
	cache := newWeakCache[string, *cacheEntry](0)

	built := 0
	create := func() (*cacheEntry, error) {
		built++
		return newCacheEntry(built), nil
	}

	first, created, err := cache.getOrCreate("a", create)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := cache.getOrCreate("a", create)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, first, second)
	require.Equal(t, 1, built)
	require.EqualValues(t, 2, first.refs.value())
	require.Equal(t, 1, cache.size())
}

func TestWeakCacheDropBacksOffWhenRevived(t *testing.T) {
	cache := newWeakCache[string, *cacheEntry](0)

	entry, _, err := cache.getOrCreate("a", func() (*cacheEntry, error) {
		return newCacheEntry(1), nil
	})
	require.NoError(t, err)

	// The count reaches zero, but before the teardown takes the cache
	// lock another holder revives the entry. The drop must back off.
	require.True(t, entry.refs.decrement())
	revived, created, err := cache.getOrCreate("a", nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, entry, revived)

	require.False(t, cache.drop("a", entry))
	require.Equal(t, 1, cache.size())

	// Without a revival the drop wins and the entry leaves the cache.
	require.True(t, entry.refs.decrement())
	require.True(t, cache.drop("a", entry))
	require.Equal(t, 0, cache.size())
}

func TestWeakCacheEnforcesLimit(t *testing.T) {
	cache := newWeakCache[string, *cacheEntry](0)
	cache.limit = 1

	_, _, err := cache.getOrCreate("a", func() (*cacheEntry, error) {
		return newCacheEntry(1), nil
	})
	require.NoError(t, err)

	_, _, err = cache.getOrCreate("b", func() (*cacheEntry, error) {
		return newCacheEntry(2), nil
	})
	require.ErrorIs(t, err, errCacheLimit)

	// Existing keys keep hitting even at the limit.
	_, created, err := cache.getOrCreate("a", nil)
	require.NoError(t, err)
	require.False(t, created)
}

func TestSamplersDeduplicate(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})

	native := mocks.NewMockSampler(rig.ctrl)
	rig.core.EXPECT().CreateSampler(gomock.Any(), gomock.Any()).Return(native, core1_0.VKSuccess, nil)

	desc := SamplerDesc{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeRepeat,
		AddressModeV: core1_0.SamplerAddressModeRepeat,
		AddressModeW: core1_0.SamplerAddressModeRepeat,
	}
	first, err := rig.device.CreateSampler(desc)
	require.NoError(t, err)
	second, err := rig.device.CreateSampler(desc)
	require.NoError(t, err)
	require.Same(t, first.Handle(), second.Handle())

	// A different description builds its own sampler.
	nearest := mocks.NewMockSampler(rig.ctrl)
	rig.core.EXPECT().CreateSampler(gomock.Any(), gomock.Any()).Return(nearest, core1_0.VKSuccess, nil)
	other := desc
	other.MagFilter = core1_0.FilterNearest
	third, err := rig.device.CreateSampler(other)
	require.NoError(t, err)
	require.Same(t, nearest, third.Handle())

	// The native sampler dies with the last wrapper, and a later create
	// for the same description starts over.
	native.EXPECT().Destroy(gomock.Any())
	first.Release()
	second.Release()
	require.Equal(t, 1, rig.device.samplers.size())

	recreated := mocks.NewMockSampler(rig.ctrl)
	rig.core.EXPECT().CreateSampler(gomock.Any(), gomock.Any()).Return(recreated, core1_0.VKSuccess, nil)
	fourth, err := rig.device.CreateSampler(desc)
	require.NoError(t, err)
	require.Same(t, recreated, fourth.Handle())

	nearest.EXPECT().Destroy(gomock.Any())
	recreated.EXPECT().Destroy(gomock.Any())
	third.Release()
	fourth.Release()
}

func TestCreateSamplerHonorsAllocationCap(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	rig.device.samplers.limit = 1

	native := mocks.NewMockSampler(rig.ctrl)
	rig.core.EXPECT().CreateSampler(gomock.Any(), gomock.Any()).Return(native, core1_0.VKSuccess, nil)
	sampler, err := rig.device.CreateSampler(SamplerDesc{MagFilter: core1_0.FilterLinear})
	require.NoError(t, err)

	_, err = rig.device.CreateSampler(SamplerDesc{MagFilter: core1_0.FilterNearest})
	require.ErrorContains(t, err, "sampler allocation limit")

	native.EXPECT().Destroy(gomock.Any())
	sampler.Release()
}
