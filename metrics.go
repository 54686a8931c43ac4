// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import "expvar"

// sessionMetrics record session activity counters.
type sessionMetrics struct {
	msgRecv       expvar.Int
	msgSent       expvar.Int
	msgDropped    expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound
	staleIn       expvar.Int // completions with no pending call
	attaches      expvar.Int
	attachRefused expvar.Int
	detaches      expvar.Int

	emap *expvar.Map
}

func newSessionMetrics() *sessionMetrics {
	sm := &sessionMetrics{emap: new(expvar.Map)}
	sm.emap.Set("messages_received", &sm.msgRecv)
	sm.emap.Set("messages_sent", &sm.msgSent)
	sm.emap.Set("messages_dropped", &sm.msgDropped)
	sm.emap.Set("calls_in", &sm.callIn)
	sm.emap.Set("calls_in_failed", &sm.callInErr)
	sm.emap.Set("calls_active", &sm.callActive)
	sm.emap.Set("calls_out", &sm.callOut)
	sm.emap.Set("calls_out_failed", &sm.callOutErr)
	sm.emap.Set("calls_pending", &sm.callPending)
	sm.emap.Set("stale_completions", &sm.staleIn)
	sm.emap.Set("attaches", &sm.attaches)
	sm.emap.Set("attaches_refused", &sm.attachRefused)
	sm.emap.Set("detaches", &sm.detaches)
	return sm
}
