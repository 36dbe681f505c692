package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/custody/ledger"
	"custodia/internal/custody/models"
	"custodia/pkg/requestcontext"
)

type stubLedger struct {
	status ledger.NetworkStatus
}

func (s *stubLedger) Initialize(context.Context) error { return nil }
func (s *stubLedger) RecordTransfer(context.Context, models.CustodyRecord) (string, error) {
	return "", nil
}
func (s *stubLedger) FetchChain(context.Context, string) ([]models.CustodyRecord, error) {
	return nil, nil
}
func (s *stubLedger) VerifyRecord(context.Context, models.CustodyRecord) bool { return true }
func (s *stubLedger) IsAvailable(context.Context) bool                        { return s.status.Connected }
func (s *stubLedger) NetworkStatus(context.Context) ledger.NetworkStatus      { return s.status }

type stubPinger struct{ err error }

func (p *stubPinger) PingContext(context.Context) error { return p.err }

type MonitorSuite struct {
	suite.Suite
	ledger *stubLedger
	now    time.Time
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.ledger = &stubLedger{status: ledger.NetworkStatus{Connected: true, BlockHeight: 42, NetworkID: "1337"}}
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

func (s *MonitorSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *MonitorSuite) TestAllHealthy() {
	monitor := New(s.ledger, time.Minute, WithDatabase(&stubPinger{}), WithCache(&stubPinger{}))

	snapshot := monitor.Probe(s.ctx())
	s.Equal(StatusHealthy, snapshot.Status)
	s.Equal(s.now, snapshot.CheckedAt)
	s.Equal(uint64(42), snapshot.Components["ledger"].BlockHeight)
	s.Equal("1337", snapshot.Components["ledger"].NetworkID)
}

func (s *MonitorSuite) TestLedgerOutageDegrades() {
	s.ledger.status.Connected = false
	monitor := New(s.ledger, time.Minute, WithDatabase(&stubPinger{}))

	snapshot := monitor.Probe(s.ctx())
	s.Equal(StatusDegraded, snapshot.Status)
	s.Equal(StatusUnhealthy, snapshot.Components["ledger"].Status)
	s.Contains(snapshot.Components["ledger"].Error, "not connected")
}

func (s *MonitorSuite) TestStorageOutageDominates() {
	s.ledger.status.Connected = false
	monitor := New(s.ledger, time.Minute, WithDatabase(&stubPinger{err: errors.New("pq: connection reset")}))

	snapshot := monitor.Probe(s.ctx())
	s.Equal(StatusUnhealthy, snapshot.Status)
	s.Equal(StatusUnhealthy, snapshot.Components["storage"].Status)
}

func (s *MonitorSuite) TestCacheOutageDegrades() {
	monitor := New(s.ledger, time.Minute, WithCache(&stubPinger{err: errors.New("redis: pool timeout")}))

	snapshot := monitor.Probe(s.ctx())
	s.Equal(StatusDegraded, snapshot.Status)
}

func (s *MonitorSuite) TestAbsentDependenciesAreHealthy() {
	monitor := New(s.ledger, time.Minute)

	snapshot := monitor.Probe(s.ctx())
	s.Equal(StatusHealthy, snapshot.Status)
	s.Equal(StatusHealthy, snapshot.Components["storage"].Status)
	s.Equal(StatusHealthy, snapshot.Components["cache"].Status)
}

func (s *MonitorSuite) TestCurrentUsesCachedSnapshot() {
	monitor := New(s.ledger, time.Minute)
	first := monitor.Probe(s.ctx())

	s.ledger.status.Connected = false
	cached := monitor.Current(context.Background())
	s.Equal(first.Status, cached.Status)
	s.Equal(first.CheckedAt, cached.CheckedAt)
}
