package pomegranate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the ApplicationStatus counters as Prometheus collectors
// so the monitor surface can be scraped as well as browsed.
type metrics struct {
	mapsAssigned  prometheus.Counter
	mapsCompleted prometheus.Counter
	mapsFaulted   prometheus.Counter

	reducesAssigned  prometheus.Counter
	reducesCompleted prometheus.Counter
	reducesFaulted   prometheus.Counter

	intermediateBytes prometheus.Counter
	masterFaults      prometheus.Counter

	mastersOnline prometheus.Gauge
	phase         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		mapsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "maps_assigned_total",
			Help: "Map jobs handed out to masters.",
		}),
		mapsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "maps_completed_total",
			Help: "Map jobs acknowledged by masters.",
		}),
		mapsFaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "maps_faulted_total",
			Help: "Map jobs recycled after a master disconnect.",
		}),
		reducesAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "reduces_assigned_total",
			Help: "Reduce jobs assigned, merge phase included.",
		}),
		reducesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "reduces_completed_total",
			Help: "Reduce jobs acknowledged by masters.",
		}),
		reducesFaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "reduces_faulted_total",
			Help: "Reduce buckets orphaned by a master disconnect.",
		}),
		intermediateBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "intermediate_bytes_total",
			Help: "Bytes of intermediate files reported by acks.",
		}),
		masterFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pomegranate", Name: "master_faults_total",
			Help: "Master disconnections observed.",
		}),
		mastersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pomegranate", Name: "masters_online",
			Help: "Masters currently registered.",
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pomegranate", Name: "phase",
			Help: "Current phase: 0 map, 1 reduce, 2 merge.",
		}),
	}

	reg.MustRegister(
		m.mapsAssigned, m.mapsCompleted, m.mapsFaulted,
		m.reducesAssigned, m.reducesCompleted, m.reducesFaulted,
		m.intermediateBytes, m.masterFaults,
		m.mastersOnline, m.phase,
	)
	return m
}
