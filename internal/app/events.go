package app

import (
	"context"

	"mediacast/pkg/logx"
)

// startEventLog mirrors bus traffic into debug logs.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				if n := a.bus.Dropped(); n > 0 {
					a.log.Debug("event log dropped events", logx.Int64("count", int64(n)))
				}
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}
