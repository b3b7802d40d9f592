package mac

// indirectSweepPeriodTicks is how often the TTL sweep runs (spec §4.6.3).
// A tick-granularity sweep, rather than one timer per pending frame,
// mirrors how system_timer.c's single ordered list is used for bulk
// periodic work elsewhere in the original.
const indirectSweepPeriodTicks = 100

// StoreIndirect parks f on dst's pending queue and marks dst pending in
// the device table (spec §4.6.3, §3.4 invariant e: the indirect queue
// only ever holds frames addressed to a peer flagged pending).
func (m *Mac) StoreIndirect(dst uint16, f *Frame) {
	m.crit.Enter()
	defer m.crit.Exit()

	f.InDirectTx = true
	f.indirectDeadline = m.loop.Now() + m.indirectTimeoutTicks

	q, ok := m.indirect[dst]
	if !ok {
		q = &FrameQueue{}
		m.indirect[dst] = q
	}
	q.Push(f)

	if d, ok := m.Devices.ByShort(dst); ok {
		d.Pending = true
	}

	if !m.indirectSweepArmed {
		m.indirectSweepArmed = true
		m.loop.RequestEvery(wrapInternalEvent(m.self.ID, evIndirectSweep), indirectSweepPeriodTicks)
	}
}

// PollIndirect services a MAC_DATA_REQ from src (spec §4.6.3): promotes
// the first pending frame for src (priority-then-FIFO) to direct
// transmission, or sends a zero-payload "no data" frame if none is
// pending. It reports whether more frames remain queued for src; the MAC
// itself sets no frame-pending bit from that result (its caller in sap.go
// ignores it and leaves the ACK to the driver).
func (m *Mac) PollIndirect(src uint16) (more bool) {
	m.crit.Enter()
	defer m.crit.Exit()

	q, ok := m.indirect[src]
	if !ok || q.Empty() {
		m.sendNoData(src)
		return false
	}

	f := q.Pop()
	f.InDirectTx = false
	f.wire = nil // drop any cached encoding so submitActive rebuilds it
	more = !q.Empty()

	if d, ok := m.Devices.ByShort(src); ok {
		d.Pending = more
	}

	m.unicastQ.Push(f)
	m.kickTX()
	return more
}

func (m *Mac) sendNoData(dst uint16) {
	f := &Frame{
		Type: FrameTypeData, DstMode: AddrModeShort, Dst: Address{Mode: AddrModeShort, Short: dst},
		Priority: 0,
	}
	m.unicastQ.Push(f)
	m.kickTX()
}

// sweepIndirectExpired drops any indirect-queued frame whose TTL has
// elapsed, confirming TRANSACTION_EXPIRED for each (spec §4.6.3).
func (m *Mac) sweepIndirectExpired() {
	now := m.loop.Now()
	for dst, q := range m.indirect {
		var expired []*Frame
		for {
			f := q.PopMatching(func(f *Frame) bool { return tickExpired(f.indirectDeadline, now) })
			if f == nil {
				break
			}
			expired = append(expired, f)
		}
		if q.Empty() {
			if d, ok := m.Devices.ByShort(dst); ok {
				d.Pending = false
			}
		}
		for _, f := range expired {
			if m.dataConfirm != nil {
				m.dataConfirm(f.MSDUHandle, StatusTransactionExpired, 0, 0, now)
			}
		}
	}
}

func tickExpired(deadline, now uint32) bool {
	return int32(now-deadline) >= 0
}
