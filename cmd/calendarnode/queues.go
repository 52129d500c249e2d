package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calendrion/core/internal/anchor"
	"github.com/calendrion/core/internal/audit"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calendarwriter"
	"github.com/calendrion/core/internal/reward"
)

// aggregatorPayload is the `{agg_id, agg_root}` shape described for the Calendar
// Writer's inbound queue.
type aggregatorPayload struct {
	AggID   string `json:"agg_id"`
	AggRoot string `json:"agg_root"`
}

// pumpQueues drains the bus's durable queues and hands each message to the owning
// component, matching §4.6's per-consumer prefetch contract: messages are only
// removed from the queue once handed off, and the component's own Ack/Nack decides
// redelivery.
func pumpQueues(ctx context.Context, b *bus.Bus, writer *calendarwriter.Writer, anchorEngine *anchor.Engine, rewardEngine *reward.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainAggregator(b, writer)
			drainMonitor(b, anchorEngine)
			drainReward(ctx, b, rewardEngine)
		}
	}
}

func drainAggregator(b *bus.Bus, writer *calendarwriter.Writer) {
	for _, m := range b.Consume(bus.KindAggregator) {
		var p aggregatorPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			calcore.Log(fmt.Sprintf("aggregator message %s malformed: %s", m.ID, err), 2)
			m.Nack()
			continue
		}
		writer.Enqueue(calendarwriter.Root{AggID: p.AggID, AggRoot: calcore.S256Hash(p.AggRoot), Msg: m})
	}
}

func drainMonitor(b *bus.Bus, anchorEngine *anchor.Engine) {
	for _, m := range b.Consume(bus.KindBTCMonitor) {
		var mon anchor.MonitorMessage
		if err := json.Unmarshal(m.Payload, &mon); err != nil {
			calcore.Log(fmt.Sprintf("btcmon message %s malformed: %s", m.ID, err), 2)
			m.Nack()
			continue
		}
		anchorEngine.EnqueueMonitor(mon, m)
	}
}

func drainReward(ctx context.Context, b *bus.Bus, rewardEngine *reward.Engine) {
	for _, m := range b.Consume(bus.KindRewardOrder) {
		rewardEngine.Consume(ctx, m)
	}
}

// auditTaskPayload is the `audit_node` task shape §4.9 step 2 dispatches: one per
// reachable Node, carrying the active-node count the receiving audit worker needs to
// weight its own scoring pass.
type auditTaskPayload struct {
	TntAddr     string `json:"tnt_addr"`
	PublicURI   string `json:"public_uri"`
	ActiveCount int    `json:"active_count"`
}

func dispatchAuditTasks(b *bus.Bus, targets []audit.NodeInfo, activeCount int) {
	for _, n := range targets {
		payload := auditTaskPayload{TntAddr: n.TntAddr, PublicURI: n.PublicURI, ActiveCount: activeCount}
		if err := b.Publish(bus.KindAuditTask, payload); err != nil {
			calcore.Log(fmt.Sprintf("audit task dispatch for %s: %s", n.TntAddr, err), 2)
		}
	}
}
