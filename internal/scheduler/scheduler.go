package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"calsync/config"
	"calsync/internal/service"
)

// Scheduler triggers the scheduled sync pass on a cron interval. There is no
// persistent background loop between triggers: every run is a stateless pass
// over the auto-sync accounts.
type Scheduler struct {
	cron        *cron.Cron
	cfg         *config.Config
	syncService *service.SyncService

	ctx context.Context
}

func New(cfg *config.Config, syncSvc *service.SyncService) *Scheduler {
	c := cron.New(cron.WithLocation(cfg.Location()))
	return &Scheduler{
		cron:        c,
		cfg:         cfg,
		syncService: syncSvc,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	if _, err := s.cron.AddFunc(s.cfg.SyncCron, s.runSync); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}

	s.cron.Start()
	log.Printf("Scheduler started (TZ: %s, cron: %s)", s.cfg.Timezone, s.cfg.SyncCron)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) runSync() {
	result, err := s.syncService.RunScheduled(s.ctx)
	if err != nil {
		log.Printf("Scheduled sync failed: %v", err)
		return
	}
	for _, r := range result.Results {
		if r.Status != "success" {
			log.Printf("Sync run %s: user %d: %s", result.RunID, r.UserID, r.Error)
		}
	}
}
