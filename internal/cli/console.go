package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-touch/internal/session"
	"github.com/schollz/progressbar/v3"
)

// lockedWriter serialises console lines with spinner redraws.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type spinner struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
}

// console renders session snapshots as human readable lines.
type console struct {
	out      *lockedWriter
	animate  bool
	mu       sync.Mutex
	last     session.Snapshot
	rendered bool
	spin     *spinner
	spinDesc string
}

func newConsole(out io.Writer, animate bool) *console {
	return &console{out: &lockedWriter{w: out}, animate: animate}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) render(snap session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, first := c.last, !c.rendered
	c.last, c.rendered = snap, true
	st := snap.State

	switch {
	case st.Phase == session.PhaseOpeningIdentity:
		c.startSpinner("registering with tracker")

	case st.IsWaiting():
		c.stopSpinner()
		if prev.State.IsInitiating() && snap.Err != nil {
			c.printf("connect failed: %v\n", snap.Err)
		}
		if first || !prev.State.IsWaiting() {
			c.printf("waiting for a peer, your id is %s\n", snap.Identity)
		}

	case st.IsInitiating():
		c.startSpinner(fmt.Sprintf("connecting to %s", snap.PeerID))

	case st.Phase == session.PhaseConnected:
		c.stopSpinner()
		wasConnected := !first && prev.State.Phase == session.PhaseConnected
		if !wasConnected {
			c.printf("connected to %s\n", snap.PeerID)
		}
		if st.Receive != prev.State.Receive || !wasConnected {
			if st.Receive == session.Touched {
				c.printf("TOUCHED\n")
			} else if wasConnected {
				c.printf("untouched\n")
			}
		}
		if wasConnected && st.Send != prev.State.Send {
			if st.Send == session.Touching {
				c.printf("you are touching\n")
			} else {
				c.printf("you let go\n")
			}
		}

	case st.Phase == session.PhaseFailed:
		c.stopSpinner()
		c.printf("failed: %v\n", snap.Err)
	}
}

func (c *console) violation(err error) {
	c.printf("ignored message from peer: %v\n", err)
}

func (c *console) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSpinner()
}

func (c *console) startSpinner(desc string) {
	if !c.animate {
		if c.spinDesc != desc {
			c.printf("%s...\n", desc)
			c.spinDesc = desc
		}
		return
	}
	if c.spin != nil {
		if c.spinDesc == desc {
			return
		}
		c.stopSpinner()
	}
	c.spinDesc = desc

	s := &spinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(c.out),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_ = s.bar.Add(1)
			}
		}
	}()
	c.spin = s
}

func (c *console) stopSpinner() {
	c.spinDesc = ""
	if c.spin == nil {
		return
	}
	close(c.spin.stop)
	<-c.spin.done
	_ = c.spin.bar.Finish()
	c.spin = nil
}
