package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferBytes tracks bytes transferred during stack migrations.
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_transfer_bytes_total",
			Help: "Total bytes transferred during migrations",
		},
		[]string{"backend", "direction", "host_id"},
	)

	// TransferDuration tracks transfer backend duration.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockhostd_transfer_duration_seconds",
			Help:    "Duration of resource transfers",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"backend", "status"},
	)

	// ActiveMigrations tracks currently running migrations.
	ActiveMigrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockhostd_active_migrations",
			Help: "Number of currently active migrations",
		},
	)

	// MigrationStatus tracks migration outcomes.
	MigrationStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_migrations_total",
			Help: "Total number of migrations by outcome and transfer method",
		},
		[]string{"outcome", "transfer_method"},
	)

	// SSHCommands tracks SSH invocations issued by the command builder.
	SSHCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_ssh_commands_total",
			Help: "Total number of SSH commands executed",
		},
		[]string{"host_id", "status"},
	)

	// SSHCommandDuration tracks SSH round-trip latency.
	SSHCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockhostd_ssh_command_duration_seconds",
			Help:    "Duration of SSH command execution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"host_id"},
	)

	// SSHRateLimited counts requests rejected by the rate limiter.
	SSHRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_ssh_rate_limited_total",
			Help: "Total number of SSH requests rejected by the rate limiter",
		},
		[]string{"host_id", "reason"},
	)

	// DockerOperations tracks Docker SDK operation counts.
	DockerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_docker_operations_total",
			Help: "Total number of Docker SDK operations",
		},
		[]string{"operation", "status"},
	)

	// DockerOperationDuration tracks Docker SDK operation latency.
	DockerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockhostd_docker_operation_duration_seconds",
			Help:    "Duration of Docker SDK operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	// ChecksumVerifications tracks checksum verification results.
	ChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_checksum_verifications_total",
			Help: "Total number of checksum verifications",
		},
		[]string{"resource_type", "result"},
	)

	// RetryAttempts tracks retry attempts for transient failures.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation", "outcome"},
	)

	// CleanupReclaimedBytes tracks bytes reclaimed by the cleanup engine.
	CleanupReclaimedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_cleanup_reclaimed_bytes_total",
			Help: "Total bytes reclaimed by cleanup runs",
		},
		[]string{"host_id", "tier"},
	)

	// PortConflicts tracks detected port conflicts.
	PortConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockhostd_port_conflicts_total",
			Help: "Total number of port conflicts detected during inventory scans",
		},
		[]string{"host_id"},
	)
)

