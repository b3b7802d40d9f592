package main

import (
	"fmt"
	"time"

	"github.com/nanomesh/core/blacklist"
	"github.com/nanomesh/core/datapoll"
	"github.com/nanomesh/core/evtloop"
	"github.com/nanomesh/core/heap"
	"github.com/nanomesh/core/logx"
	"github.com/nanomesh/core/mac"
)

// main wires every core package into one running instance: a heap book
// backing allocator-style demos, an event loop with its tick-timer
// plant, a MAC instance over a loopback PHY stand-in, a data-poll state
// machine, and a blacklist table. It then drives the loop for a short,
// fixed number of ticks and prints a summary, standing in for what a real
// platform port's main() would otherwise do forever.
func main() {
	sink := logx.NewDefault(logx.LevelInfo)
	logger := newBridgedLogger(sink, "nanomeshd")

	book := heap.New(4096, heap.WithLogger(logger), heap.WithFailureCallback(func(reason heap.Reason) {
		fmt.Printf("heap failure: %s\n", reason)
	}))
	demoBlock, err := book.Alloc(128)
	if err != nil {
		fmt.Printf("startup allocation failed: %v\n", err)
		return
	}

	loop := evtloop.New(
		evtloop.WithLogger(logger),
		evtloop.WithTickPeriodMS(10),
	)

	driver := newLoopbackDriver()
	m, err := mac.New(driver, loop, mac.WithLogger(logger))
	if err != nil {
		fmt.Printf("mac init failed: %v\n", err)
		return
	}
	m.PIB.Set(mac.AttrShortAddress, uint16(0x1234))
	m.PIB.Set(mac.AttrPANId, uint16(0xabcd))
	m.PIB.Set(mac.AttrExtendedAddress, uint64(0x0011223344556677))

	poll, err := datapoll.New(loop,
		datapoll.WithLogger(logger),
		datapoll.WithPollFunc(func(parent uint16) error { return nil }),
		datapoll.WithPollFailCallback(func() {
			fmt.Println("data-poll: parent reattach requested")
		}),
		datapoll.WithParent(0x0001),
	)
	if err != nil {
		fmt.Printf("datapoll init failed: %v\n", err)
		return
	}
	poll.SetMode(datapoll.ModeSlowPoll)

	table := blacklist.New(blacklist.Config{
		EntryLifetime:     30 * time.Second,
		InitialInterval:   2 * time.Second,
		MaxInterval:       5 * time.Minute,
		PurgeTimerTimeout: 60 * time.Second,
	})
	defer table.Purge()

	loop.RunUntilIdle()
	for i := 0; i < 200; i++ {
		loop.Tick()
		loop.RunUntilIdle()
	}

	if err := book.Free(demoBlock); err != nil {
		fmt.Printf("startup allocation free failed: %v\n", err)
	}

	fmt.Printf("nanomeshd: ran %d ticks, heap stats=%+v, blacklist entries=%d\n",
		loop.Now(), book.Stats(), table.Len())
}
