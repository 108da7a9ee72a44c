package sweeper

import (
	"context"
	"time"

	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/log"
	"github.com/duplikit/duplikit/pkg/metrics"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the background sweep
type Config struct {
	// Interval between sweep cycles
	Interval time.Duration

	// WaitDeadline is how long a live session may go without any accepted
	// agent event before the sweep fails it.
	WaitDeadline time.Duration
}

// Sweeper is the background loop that enforces session deadlines and
// finishes staged cleanup. A session whose record has not moved within the
// wait deadline is failed as timed out; terminal staged sessions whose
// bytes are still marked for cleanup get them deleted.
type Sweeper struct {
	store  storage.Store
	coord  *coordinator.Coordinator
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a sweeper
func New(store storage.Store, coord *coordinator.Coordinator, cfg Config) *Sweeper {
	return &Sweeper{
		store:  store,
		coord:  coord,
		cfg:    cfg,
		logger: log.WithComponent("sweeper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop and waits for the current cycle to finish
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("wait_deadline", s.cfg.WaitDeadline).
		Msg("sweeper started")

	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-s.stopCh:
			s.logger.Info().Msg("sweeper stopped")
			return
		}
	}
}

// sweep runs one cycle over every session
func (s *Sweeper) sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	now := time.Now()

	sessions, err := s.store.ListSessions()
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: failed to list sessions")
		return
	}
	metrics.UpdateSessionGauges(sessions)

	for _, session := range sessions {
		if session.Status.Terminal() {
			s.finishCleanup(ctx, session)
			continue
		}
		s.checkDeadline(ctx, session, now)
	}

	metrics.SweepCyclesTotal.Inc()
	timer.ObserveDuration(metrics.SweepDuration)
}

// checkDeadline fails a live session whose record has been idle past the
// wait deadline. Failing moves UpdatedAt, so a session times out at most
// once; a concurrent agent event makes FailTimeout a harmless conflict.
func (s *Sweeper) checkDeadline(ctx context.Context, session *types.CloneSession, now time.Time) {
	idle := now.Sub(session.UpdatedAt)
	if idle <= s.cfg.WaitDeadline {
		return
	}

	s.logger.Warn().
		Str("session_id", session.ID).
		Str("status", string(session.Status)).
		Dur("idle", idle).
		Msg("session exceeded wait deadline")

	err := s.coord.FailTimeout(ctx, session.ID,
		"no agent activity within "+s.cfg.WaitDeadline.String())
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("sweep: failed to time out session")
	}
}

// finishCleanup deletes staged bytes left behind by a terminal session
func (s *Sweeper) finishCleanup(ctx context.Context, session *types.CloneSession) {
	if session.CloneMode != types.CloneModeStaged || session.StagingStatus != types.StagingCleanup {
		return
	}
	if err := s.coord.RunStagingCleanup(ctx, session.ID); err != nil {
		// Retried next cycle
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("sweep: staging cleanup failed")
	}
}
