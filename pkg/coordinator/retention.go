package coordinator

import (
	"time"
)

// retentionSweepInterval is how often the age and count ceilings are
// enforced on log and metric history.
const retentionSweepInterval = time.Hour

func (c *Coordinator) retentionLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepRetention()
		}
	}
}

// sweepRetention purges records older than the retention age and trims
// each workload's log history to the record cap. History is off the hot
// path; failures here are logged and retried next sweep.
func (c *Coordinator) sweepRetention() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sups))
	for id := range c.sups {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	cutoff := time.Now().Add(-c.cfg.RetentionAge)
	for _, id := range ids {
		logger := c.logger.With().Str("workload_id", id).Logger()

		if c.cfg.RetentionAge > 0 {
			if n, err := c.gateway.PurgeLogsBefore(id, cutoff, 0); err != nil {
				logger.Warn().Err(err).Msg("log age purge failed")
			} else if n > 0 {
				logger.Debug().Int("purged", n).Msg("aged log records purged")
			}
			if n, err := c.gateway.PurgeMetricsBefore(id, cutoff); err != nil {
				logger.Warn().Err(err).Msg("metric age purge failed")
			} else if n > 0 {
				logger.Debug().Int("purged", n).Msg("aged metric samples purged")
			}
		}

		if c.cfg.RetentionMaxRecords > 0 {
			count, err := c.gateway.CountLogs(id)
			if err != nil || count <= c.cfg.RetentionMaxRecords {
				continue
			}
			last, err := c.gateway.LastLogSeq(id)
			if err != nil {
				continue
			}
			// Keep the newest RetentionMaxRecords sequences
			minKeep := last - uint64(c.cfg.RetentionMaxRecords) + 1
			if n, perr := c.gateway.PurgeLogsBefore(id, time.Time{}, minKeep-1); perr != nil {
				logger.Warn().Err(perr).Msg("log count trim failed")
			} else if n > 0 {
				logger.Debug().Int("purged", n).Msg("log history trimmed to record cap")
			}
		}
	}
}
