package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSupervisor_ConfigVersionStartsAtOneAndBumpsOnReload(t *testing.T) {
	s := NewEngineSupervisor(logger.New("test"), SupervisorDeps{})
	assert.Equal(t, uint64(1), s.ConfigVersion())

	newVersion := s.ReloadConfig()
	assert.Equal(t, uint64(2), newVersion)
	assert.Equal(t, uint64(2), s.ConfigVersion())
}

func TestEngineSupervisor_RecoverScannerSwallowsPanic(t *testing.T) {
	s := NewEngineSupervisor(logger.New("test"), SupervisorDeps{})
	assert.NotPanics(t, func() {
		func() {
			defer s.recoverScanner(1)
			panic("simulated scanner fatal error")
		}()
	})
}

func TestEngineSupervisor_StartRunsRegisteredScannersIndependently(t *testing.T) {
	s := NewEngineSupervisor(logger.New("test"), SupervisorDeps{ShutdownGrace: time.Second})

	scannerA := newTestScanner(t, baseScannerDeps(t), ScannerConfig{}, TokenUniverse{})
	scannerB := newTestScanner(t, baseScannerDeps(t), ScannerConfig{}, TokenUniverse{})
	s.RegisterScanner(1, scannerA)
	s.RegisterScanner(2, scannerB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	periods := map[ChainID]time.Duration{1: 5 * time.Millisecond, 2: 5 * time.Millisecond}
	s.Start(ctx, periods)

	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, scannerA.tickNumber.Load(), int64(0))
	assert.Greater(t, scannerB.tickNumber.Load(), int64(0))

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestEngineSupervisor_ShutdownDrainsCleanlyWithinGracePeriod(t *testing.T) {
	s := NewEngineSupervisor(logger.New("test"), SupervisorDeps{ShutdownGrace: 2 * time.Second})
	scanner := newTestScanner(t, baseScannerDeps(t), ScannerConfig{}, TokenUniverse{})
	s.RegisterScanner(1, scanner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, map[ChainID]time.Duration{1: 5 * time.Millisecond})

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second) // scanner exits at its next tick, well under the grace period
}

func TestEngineSupervisor_ShutdownForcesCancelAfterGraceElapses(t *testing.T) {
	s := NewEngineSupervisor(logger.New("test"), SupervisorDeps{ShutdownGrace: 10 * time.Millisecond})
	// A period far longer than the grace period means Stop()'s flag is
	// never observed before the grace timer fires, forcing the cancel path.
	scanner := newTestScanner(t, baseScannerDeps(t), ScannerConfig{}, TokenUniverse{})
	s.RegisterScanner(1, scanner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, map[ChainID]time.Duration{1: time.Hour})

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second) // forced cancellation, not a full hour wait
}
