package session

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper purges expired sessions from a Registry on a cron schedule.
type Sweeper struct {
	cron     *cron.Cron
	registry *Registry
	log      logrus.FieldLogger
}

// NewSweeper schedules registry.Sweep with a cron spec such as "@every 1m".
func NewSweeper(registry *Registry, schedule string, log logrus.FieldLogger) (*Sweeper, error) {
	log = log.WithField("component", "sweeper")
	clog := cronLogger{log: log}

	s := &Sweeper{
		cron: cron.New(cron.WithChain(
			cron.Recover(clog),
			cron.SkipIfStillRunning(clog),
		)),
		registry: registry,
		log:      log,
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	if n := s.registry.Sweep(); n > 0 {
		s.log.WithField("removed", n).Debug("sweep finished")
	}
}

// Run sweeps on schedule until ctx is done. It returns once a sweep in
// progress has finished.
func (s *Sweeper) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("sweeper stopped")
}

// cronLogger routes cron's internal logging into logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(toFields(keysAndValues)).WithError(err).Error(msg)
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
