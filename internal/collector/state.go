package collector

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"
)

// persistedState survives restarts so gap recovery can replay events
// missed while the process was down.
type persistedState struct {
	Ts      int64     `json:"ts"`
	Pts     int64     `json:"pts"`
	SavedAt time.Time `json:"savedAt"`
}

func (c *Collector) loadState() {
	if c.opts.StatePath == "" {
		return
	}
	data, err := os.ReadFile(c.opts.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("state load failed", zap.Error(err))
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("state file unreadable, starting fresh", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.ts = st.Ts
	c.pts = st.Pts
	c.mu.Unlock()
	c.logger.Debug("poll position restored",
		zap.Int64("ts", st.Ts),
		zap.Int64("pts", st.Pts))
}

func (c *Collector) saveState() {
	if c.opts.StatePath == "" {
		return
	}
	c.mu.Lock()
	st := persistedState{Ts: c.ts, Pts: c.pts, SavedAt: c.clock.Now()}
	c.mu.Unlock()

	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return
	}
	tmp := c.opts.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		c.logger.Warn("state save failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.opts.StatePath); err != nil {
		c.logger.Warn("state save failed", zap.Error(err))
	}
}
