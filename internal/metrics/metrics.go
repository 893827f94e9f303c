// Package metrics holds the Prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signage_fetch_total",
		Help: "Resource downloads by outcome",
	}, []string{"outcome"}) // outcome=success|network|status|write

	photoFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signage_photo_fetch_total",
		Help: "Speaker photo cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|downloaded|skipped|error

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signage_sync_total",
		Help: "Sync cycles by outcome",
	}, []string{"outcome"}) // outcome=success|roster|empty

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signage_sync_duration_seconds",
		Help:    "Duration of full sync cycles",
		Buckets: prometheus.DefBuckets,
	})

	dayFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signage_day_failures_total",
		Help: "Per-day schedule retrievals that contributed nothing",
	}, []string{"day"})

	presentations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signage_presentations",
		Help: "Presentations published by the last successful sync",
	})

	speakers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signage_speakers",
		Help: "Speakers known after the last successful sync",
	})

	online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signage_online",
		Help: "Whether the last refresh reached the data service (1) or not (0)",
	})

	screenChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signage_screen_changes_total",
		Help: "Number of times the headline presentation changed",
	})
)

func IncFetch(outcome string) { fetchTotal.WithLabelValues(outcome).Inc() }

func IncPhotoFetch(outcome string) { photoFetchTotal.WithLabelValues(outcome).Inc() }

// ObserveSync records one sync cycle.
func ObserveSync(outcome string, d time.Duration) {
	syncTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(d.Seconds())
}

func IncDayFailure(day string) { dayFailuresTotal.WithLabelValues(day).Inc() }

func SetCatalogSize(nPresentations, nSpeakers int) {
	presentations.Set(float64(nPresentations))
	speakers.Set(float64(nSpeakers))
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}

func IncScreenChange() { screenChanges.Inc() }
