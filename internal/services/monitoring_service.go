package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/metrics"
)

// DepositSource is implemented by *agent.BranchAgent.
type DepositSource interface {
	Deposits() []*agent.Deposit
}

// SettlementSource is implemented by *agent.RootAgent.
type SettlementSource interface {
	Settlements() []*agent.Settlement
}

// MonitoringService periodically refreshes the gauges that are cheaper to
// recompute than to maintain: connection pool state and open records.
type MonitoringService struct {
	db          *gorm.DB
	deposits    DepositSource
	settlements SettlementSource
	interval    time.Duration
	log         *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitoringService creates the service. Any source may be nil.
func NewMonitoringService(db *gorm.DB, deposits DepositSource, settlements SettlementSource, log *logrus.Logger) *MonitoringService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MonitoringService{
		db:          db,
		deposits:    deposits,
		settlements: settlements,
		interval:    10 * time.Second,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

func (m *MonitoringService) Start() {
	m.log.Info("🚀 Starting monitoring service...")
	m.wg.Add(1)
	go m.loop()
	m.log.Info("✅ Monitoring service started")
}

func (m *MonitoringService) Stop() {
	m.log.Info("🛑 Stopping monitoring service...")
	close(m.stopCh)
	m.wg.Wait()
	m.log.Info("✅ Monitoring service stopped")
}

func (m *MonitoringService) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Refresh(context.Background())
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Refresh updates every gauge once.
func (m *MonitoringService) Refresh(ctx context.Context) {
	if m.db != nil {
		m.updateDatabaseMetrics(ctx)
	}
	if m.deposits != nil {
		counts := map[agent.Status]int{}
		for _, d := range m.deposits.Deposits() {
			counts[d.Status]++
		}
		setOpenRecords("deposit", counts)
	}
	if m.settlements != nil {
		counts := map[agent.Status]int{}
		for _, s := range m.settlements.Settlements() {
			counts[s.Status]++
		}
		setOpenRecords("settlement", counts)
	}
}

func setOpenRecords(record string, counts map[agent.Status]int) {
	for _, st := range []agent.Status{agent.StatusSuccess, agent.StatusFailed} {
		metrics.OpenRecords.WithLabelValues(record, st.String()).Set(float64(counts[st]))
	}
}

func (m *MonitoringService) updateDatabaseMetrics(ctx context.Context) {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.InUse))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		metrics.DBConnectionStatus.Set(0)
		m.log.WithError(err).Warn("⚠️ Database ping failed")
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}
