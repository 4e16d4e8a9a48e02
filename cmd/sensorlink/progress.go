package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// countdown prints "<prefix> (<phase> Ns)" until a stop phase is reported or
// Stop is called. It is single-use.
type countdown struct {
	out        io.Writer
	prefix     string
	duration   time.Duration
	phase      atomic.Value
	stopPhases map[string]struct{}

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newCountdown(out io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *countdown {
	c := &countdown{
		out:        out,
		prefix:     color.CyanString(prefix),
		duration:   duration,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, p := range stopPhases {
		c.stopPhases[p] = struct{}{}
	}
	c.phase.Store(phase)
	return c
}

func (c *countdown) Start() {
	start := time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	c.print(c.phase.Load().(string), 0)

	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				seconds := 0
				if remaining := c.duration - time.Since(start); remaining > 0 {
					seconds = int(remaining.Seconds() + 0.5)
				}
				c.print(c.phase.Load().(string), seconds)
			}
		}
	}()
}

func (c *countdown) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(c.out, "\r%s (%s %ds)   ", c.prefix, phase, seconds)
	} else {
		fmt.Fprintf(c.out, "\r%s (%s...)   ", c.prefix, phase)
	}
}

// Callback records the phase and stops on a stop phase.
func (c *countdown) Callback() func(phase string) {
	return func(phase string) {
		c.phase.Store(phase)
		if _, ok := c.stopPhases[phase]; ok {
			c.Stop()
		}
	}
}

// Stop is safe to call more than once.
func (c *countdown) Stop() {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
		fmt.Fprint(c.out, clearLineSequence)
	})
}
