package raster

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	datasetCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_dataset_cache_hits_total",
		Help: "The total number of hits on the open-dataset cache",
	})
	datasetCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_dataset_cache_misses_total",
		Help: "The total number of misses on the open-dataset cache",
	})
	datasetCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kubolti_dataset_cache_evictions_total",
		Help: "The total number of evictions from the open-dataset cache",
	})
)

// A DatasetCache keeps dataset handles open across tile jobs. Handles
// are read-only after open and safe to share between workers; evicted
// handles are closed.
type DatasetCache struct {
	cache *lru.Cache[string, *Dataset]
}

// NewDatasetCache returns a cache holding up to size open datasets.
func NewDatasetCache(size int) (*DatasetCache, error) {
	if size <= 0 {
		size = 32
	}
	cache, err := lru.NewWithEvict(size, func(key string, value *Dataset) {
		datasetCacheEvictions.Inc()
		_ = value.Close()
	})
	if err != nil {
		return nil, err
	}
	return &DatasetCache{cache: cache}, nil
}

// Open returns a cached dataset handle, opening and caching on miss.
func (c *DatasetCache) Open(path string) (*Dataset, error) {
	if dataset, ok := c.cache.Get(path); ok {
		datasetCacheHits.Inc()
		return dataset, nil
	}
	datasetCacheMisses.Inc()
	dataset, err := OpenDataset(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, dataset)
	return dataset, nil
}

// Close releases every cached handle.
func (c *DatasetCache) Close() {
	c.cache.Purge()
}
