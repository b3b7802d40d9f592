// Command nanomeshd is an example host binary wiring every package of the
// mesh core together: a heap book, the tick/slot timer plant, the event
// loop, a MAC instance over a loopback PHY stand-in, a data-poll machine,
// and a blacklist table. It demonstrates the wiring spec §6 describes
// rather than shipping a real radio platform port (the PHY driver and
// host RTOS are deliberately out-of-scope collaborators per spec §1).
package main

import (
	"github.com/joeycumines/logiface"

	"github.com/nanomesh/core/logx"
)

// bridgeEvent is the minimal logiface.Event this binary needs: a level and
// a field sink, following the same "embed UnimplementedEvent, implement
// only the two mandatory methods" shape the teacher's own logiface
// integrations use for a lightweight concrete backend (mirrored from the
// library's internal mocklog.Event, rather than pulling in a full
// logiface-stumpy/zerolog/slog backend dependency for a one-binary demo —
// see DESIGN.md's note on why no specific backend is wired at the library
// boundary).
type bridgeEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
	msg    string
	err    error
}

func (e *bridgeEvent) Level() logiface.Level { return e.level }

func (e *bridgeEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

func (e *bridgeEvent) AddMessage(msg string) bool { e.msg = msg; return true }

func (e *bridgeEvent) AddError(err error) bool { e.err = err; return true }

// bridgeWriter renders a bridgeEvent through an injected logx.Logger sink,
// completing the round trip: core packages log through logx.Logger, and
// this binary's chosen observability stack (logiface) is the thing that
// actually receives those entries, exactly as DESIGN.md describes the
// "core hand-rolled logging; logiface at integration boundaries" split.
type bridgeWriter struct {
	sink      logx.Logger
	component string
}

func (w *bridgeWriter) Write(e *bridgeEvent) error {
	w.sink.Log(logx.Entry{
		Level:     logifaceToLogxLevel(e.level),
		Component: w.component,
		Message:   e.msg,
		Err:       e.err,
		Fields:    e.fields,
	})
	return nil
}

func logifaceToLogxLevel(l logiface.Level) logx.Level {
	switch {
	case l >= logiface.LevelDebug:
		return logx.LevelDebug
	case l >= logiface.LevelInformational:
		return logx.LevelInfo
	case l >= logiface.LevelWarning:
		return logx.LevelWarn
	default:
		return logx.LevelError
	}
}

var bridgeFactory = logiface.LoggerFactory[*bridgeEvent]{}

func bridgeEventFactory(level logiface.Level) *bridgeEvent { return &bridgeEvent{level: level} }

// newBridgedLogger builds a logiface.Logger that renders through sink (a
// logx.Logger, typically logx.NewDefault), and returns a logx.Logger
// adapter over it so every core package can be constructed with
// logx.WithLogger(bridged) while observability actually flows through the
// logiface façade at this binary's boundary.
func newBridgedLogger(sink logx.Logger, component string) logx.Logger {
	w := &bridgeWriter{sink: sink, component: component}
	l := logiface.New[*bridgeEvent](
		bridgeFactory.WithEventFactory(bridgeFactory.NewEventFactoryFunc(bridgeEventFactory)),
		bridgeFactory.WithWriter(w),
		logiface.WithLevel[*bridgeEvent](logiface.LevelTrace),
	)
	return &logifaceLogxAdapter{logger: l}
}

// logifaceLogxAdapter satisfies logx.Logger by forwarding every Log call
// into the wrapped logiface.Logger's builder chain.
type logifaceLogxAdapter struct {
	logger *logiface.Logger[*bridgeEvent]
}

func (a *logifaceLogxAdapter) IsEnabled(level logx.Level) bool {
	return a.logger.Level() >= logxToLogifaceLevel(level)
}

func (a *logifaceLogxAdapter) Log(entry logx.Entry) {
	b := a.logger.Build(logxToLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	b = b.Str("component", entry.Component)
	if entry.TaskletID != 0 {
		b = b.Int("tasklet", int(entry.TaskletID))
	}
	if entry.TimerID != 0 {
		b = b.Int("timer", int(entry.TimerID))
	}
	if entry.Tick != 0 {
		b = b.Int("tick", int(entry.Tick))
	}
	for k, v := range entry.Fields {
		b = b.Any(k, v)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

func logxToLogifaceLevel(l logx.Level) logiface.Level {
	switch l {
	case logx.LevelDebug:
		return logiface.LevelDebug
	case logx.LevelInfo:
		return logiface.LevelInformational
	case logx.LevelWarn:
		return logiface.LevelWarning
	default:
		return logiface.LevelError
	}
}
