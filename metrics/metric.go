package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	CreateTabletRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "create_tablet_requests_total",
	})
	CreateTabletRequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "create_tablet_requests_failed",
	})
	DropTabletRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "drop_tablet_requests_total",
	})
	ReportTabletRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "report_tablet_requests_total",
	})
	ReportAllTabletsRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "report_all_tablets_requests_total",
	})
	DataDirHealthCheckFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "TabletStore",
		Name:      "data_dir_health_check_failed",
	}, []string{"path"})
)

func init() {
	Registry.MustRegister(
		CreateTabletRequestsTotal,
		CreateTabletRequestsFailed,
		DropTabletRequestsTotal,
		ReportTabletRequestsTotal,
		ReportAllTabletsRequestsTotal,
		DataDirHealthCheckFailed,
	)
}
