// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package ami

import "expvar"

// metrics record engine activity counters.
type metrics struct {
	actions          expvar.Int // number of actions sent
	responses        expvar.Int // number of responses received
	eventsDispatched expvar.Int // number of events delivered to handlers
	eventsDropped    expvar.Int // number of events with no handler
	faults           expvar.Int // number of non-fatal anomalies

	emap *expvar.Map
}

var engineMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("actions_sent", &m.actions)
	m.emap.Set("responses_received", &m.responses)
	m.emap.Set("events_dispatched", &m.eventsDispatched)
	m.emap.Set("events_dropped", &m.eventsDropped)
	m.emap.Set("protocol_faults", &m.faults)
	return m
}
