package strategy

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

type stubProducer struct {
	id       string
	affinity []types.Regime
	conf     float64
}

func (s *stubProducer) ID() string                     { return s.id }
func (s *stubProducer) RegimeAffinity() []types.Regime { return s.affinity }

// Confidence defaults to full conviction so weight assertions stay simple.
func (s *stubProducer) Confidence() float64 {
	if s.conf == 0 {
		return 1
	}
	return s.conf
}
func (s *stubProducer) Evaluate(string, []types.Tick) *types.Signal {
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop(), &Config{
		WinRateFloor:   0.35,
		MinSamples:     10,
		EWMASpan:       30,
		InitialWinRate: 0.5,
	})
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&stubProducer{id: "momentum"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(&stubProducer{id: "momentum"}); err == nil {
		t.Fatal("duplicate register should fail")
	}
}

func TestRegimeGatesAffinity(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "momentum", affinity: []types.Regime{types.RegimeTrendingUp, types.RegimeTrendingDown}})
	r.Register(&stubProducer{id: "mean_reversion", affinity: []types.Regime{types.RegimeRanging}})

	r.SetRegime("BTCUSDT", types.RegimeTrendingUp)
	active := r.Active("BTCUSDT")
	if len(active) != 1 || active[0].ID() != "momentum" {
		t.Fatalf("trending_up should activate only momentum, got %d producers", len(active))
	}

	r.SetRegime("BTCUSDT", types.RegimeRanging)
	active = r.Active("BTCUSDT")
	if len(active) != 1 || active[0].ID() != "mean_reversion" {
		t.Fatalf("ranging should activate only mean_reversion, got %d producers", len(active))
	}
}

func TestUnknownRegimeSuspendsEverything(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "momentum", affinity: []types.Regime{types.RegimeTrendingUp}})
	r.Register(&stubProducer{id: "anything"})

	r.SetRegime("BTCUSDT", types.RegimeUnknown)
	if got := r.Active("BTCUSDT"); len(got) != 0 {
		t.Fatalf("unknown regime should activate no strategies, got %d", len(got))
	}

	// A symbol with no recorded regime behaves the same.
	if got := r.Active("NEVERSEEN"); len(got) != 0 {
		t.Fatalf("unseen symbol should activate no strategies, got %d", len(got))
	}
}

func TestPerformanceSuspensionAndReenable(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "momentum"})
	r.SetRegime("BTCUSDT", types.RegimeTrendingUp)

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		r.RecordOutcome("momentum", false, now)
	}

	snap := r.Snapshot("BTCUSDT")
	if snap[0].Status != StatusPerformanceSuspended {
		t.Fatalf("20 straight losses should suspend, status=%s winRate=%v", snap[0].Status, snap[0].WinRate)
	}
	if got := r.Active("BTCUSDT"); len(got) != 0 {
		t.Fatal("suspended strategy must not vote")
	}

	// Winning regimes elsewhere do not lift the suspension.
	r.SetRegime("BTCUSDT", types.RegimeRanging)
	if got := r.Active("BTCUSDT"); len(got) != 0 {
		t.Fatal("performance suspension must survive regime changes")
	}

	if err := r.Reenable("momentum"); err != nil {
		t.Fatalf("reenable failed: %v", err)
	}
	if got := r.Active("BTCUSDT"); len(got) != 1 {
		t.Fatal("re-enabled strategy should vote again")
	}
	if wr := r.WinRate("momentum"); wr != 0.5 {
		t.Errorf("reenable should reset win rate to prior, got %v", wr)
	}
}

func TestNoSuspensionBelowMinSamples(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "momentum"})

	now := time.Now().UTC()
	for i := 0; i < 9; i++ {
		r.RecordOutcome("momentum", false, now)
	}
	snap := r.Snapshot("BTCUSDT")
	if snap[0].Status == StatusPerformanceSuspended {
		t.Fatal("suspension requires at least min_samples outcomes")
	}
}

func TestEWMAWinRateMoves(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "momentum"})

	now := time.Now().UTC()
	r.RecordOutcome("momentum", true, now)
	after := r.WinRate("momentum")
	// alpha = 2/31; one win moves 0.5 toward 1 by alpha.
	want := 0.5 + (2.0/31.0)*0.5
	if diff := after - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("EWMA update mismatch: got %v want %v", after, want)
	}
}

func TestWeightsExcludeSuspended(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "a"})
	r.Register(&stubProducer{id: "b"})
	r.SetRegime("BTCUSDT", types.RegimeRanging)

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		r.RecordOutcome("b", false, now)
	}

	w := r.Weights("BTCUSDT")
	if _, ok := w["b"]; ok {
		t.Fatal("suspended strategy should not appear in weights")
	}
	if _, ok := w["a"]; !ok {
		t.Fatal("enabled strategy missing from weights")
	}
}

func TestWeightIsConfidenceTimesWinRate(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&stubProducer{id: "a", conf: 0.8})
	r.SetRegime("BTCUSDT", types.RegimeRanging)

	w := r.Weights("BTCUSDT")
	// 0.8 conviction over the 0.5 initial win rate.
	if diff := w["a"] - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("weight: got %v want 0.4", w["a"])
	}
}
