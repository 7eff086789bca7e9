// Package metrics exposes prometheus collectors for the revstore engine.
//
// Collectors are registered against the default registry on package init;
// embedders that manage their own registry can call Register instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommitsTotal counts successfully committed revisions.
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revstore_commits_total",
			Help: "Total number of committed revisions",
		},
	)

	// CommitConflictsTotal counts commits rejected with a conflict.
	CommitConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revstore_commit_conflicts_total",
			Help: "Total number of commits rejected because of concurrent changes",
		},
	)

	// CacheHitsTotal counts revision-cache hits by cache name.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revstore_cache_hits_total",
			Help: "Total revision cache hits by cache",
		},
		[]string{"cache"},
	)

	// CacheMissesTotal counts revision-cache misses by cache name.
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revstore_cache_misses_total",
			Help: "Total revision cache misses by cache",
		},
		[]string{"cache"},
	)

	// RepSharingHitsTotal counts representations deduplicated through the
	// SHA-1 side-store instead of being written out.
	RepSharingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revstore_rep_sharing_hits_total",
			Help: "Total representations reused via the rep-sharing side-store",
		},
	)

	// RevisionsPackedTotal counts revisions consolidated into pack files.
	RevisionsPackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revstore_revisions_packed_total",
			Help: "Total revisions consolidated into pack files",
		},
	)

	// PackDuration observes the wall-clock duration of shard packs.
	PackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revstore_pack_duration_seconds",
			Help:    "Duration of shard pack operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WriteLockWait observes time spent waiting for the repository write lock.
	WriteLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revstore_write_lock_wait_seconds",
			Help:    "Time spent waiting for the repository write lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all collectors with the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CommitsTotal,
		CommitConflictsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		RepSharingHitsTotal,
		RevisionsPackedTotal,
		PackDuration,
		WriteLockWait,
	)
}

func init() {
	Register(prometheus.DefaultRegisterer)
}
