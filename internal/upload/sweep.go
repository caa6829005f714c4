// Copyright 2025 James Ross
package upload

import (
	"os"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartOrphanSweep schedules a periodic cron job (cfg.Upload.OrphanSweepCron)
// that removes staged uploads older than cfg.Upload.OrphanMaxAge — files
// that were validated and written to tmp but never forwarded to a backend,
// typically because their owning session was released before submission.
// Returns the running cron.Cron so callers can Stop it on shutdown.
func StartOrphanSweep(p *Pipeline, cfg *config.Config, log *zap.Logger) (*cron.Cron, error) {
	maxAge := cfg.Upload.OrphanMaxAge
	c := cron.New()
	_, err := c.AddFunc(cfg.Upload.OrphanSweepCron, func() {
		n, err := p.SweepOrphans(func(path string) bool {
			info, err := os.Stat(path)
			if err != nil {
				return false
			}
			return time.Since(info.ModTime()) > maxAge
		})
		if err != nil {
			log.Warn("orphan upload sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("swept orphaned uploads", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
