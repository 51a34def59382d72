package master

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SignalKind classifies an enqueued signal token by the handling it
// triggers. Unknown/unhandled signals are never enqueued at all.
type SignalKind int

const (
	SigReload       SignalKind = iota // HUP
	SigPause                          // USR2
	SigResume                         // CONT
	SigShutdown                       // INT, TERM, QUIT
	SigCensus                         // INFO (best-effort, platform-dependent)
	SigConfigChanged                  // synthetic, from the config watcher
)

// Token is one entry in the signal FIFO. OS carries the concrete signal for
// Shutdown tokens, since INT/TERM/QUIT must be forwarded to children
// verbatim rather than collapsed into one shutdown signal.
type Token struct {
	Kind SignalKind
	OS   os.Signal
}

// signalQueueDepth bounds the FIFO. A depth this size comfortably absorbs a
// burst of operator signals between loop iterations; if it ever fills, new
// tokens are dropped and logged rather than blocking the delivering
// goroutine, since nothing here may block indefinitely.
const signalQueueDepth = 64

// SignalQueue is a bounded FIFO of classified signal tokens, fed by a
// pump goroutine off signal.Notify.
//
// Go's os/signal package already funnels OS signal delivery through an
// async-signal-safe internal pipe before handing signals to user code on a
// channel — a hand-rolled self-pipe would only duplicate what signal.Notify
// already guarantees. See DESIGN.md for the full rationale.
type SignalQueue struct {
	tokens chan Token
	raw    chan os.Signal
	stop   chan struct{}
	wake   chan struct{}
}

// NewSignalQueue installs handlers for every signal the master reacts to
// and returns a queue whose Tokens channel the master loop selects on.
func NewSignalQueue() *SignalQueue {
	q := &SignalQueue{
		tokens: make(chan Token, signalQueueDepth),
		raw:    make(chan os.Signal, signalQueueDepth),
		stop:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	signal.Notify(q.raw,
		unix.SIGHUP,
		unix.SIGUSR2,
		unix.SIGCONT,
		unix.SIGINT,
		unix.SIGTERM,
		unix.SIGQUIT,
		unix.SIGCHLD,
		infoSignal(),
	)
	go q.pump()
	return q
}

// Tokens is the channel the master loop reads signal tokens from.
func (q *SignalQueue) Tokens() <-chan Token {
	return q.tokens
}

// Wake is the channel CHLD breaks the main loop's blocking select on,
// without itself carrying a token: it exists only to make the
// non-blocking reap at the top of the next iteration run promptly
// instead of waiting for an EOF event or the idle timer.
func (q *SignalQueue) Wake() <-chan struct{} {
	return q.wake
}

// Stop uninstalls signal handling. Safe to call once, at the end of Run.
func (q *SignalQueue) Stop() {
	signal.Stop(q.raw)
	close(q.stop)
}

// pump translates raw OS signals into queue tokens. CHLD never produces a
// token; instead it pings wake so the main loop's blocking select breaks
// immediately and the non-blocking reap at the top of the next iteration
// runs without waiting on an EOF event or the idle timer.
func (q *SignalQueue) pump() {
	for {
		select {
		case <-q.stop:
			return
		case sig := <-q.raw:
			if sig == unix.SIGCHLD {
				select {
				case q.wake <- struct{}{}:
				default:
				}
				continue
			}
			tok, ok := classify(sig)
			if !ok {
				continue
			}
			select {
			case q.tokens <- tok:
			default:
				logrus.WithField("signal", sig).Warn("signal queue full, dropping token")
			}
		}
	}
}

func classify(sig os.Signal) (Token, bool) {
	switch sig {
	case unix.SIGHUP:
		return Token{Kind: SigReload}, true
	case unix.SIGUSR2:
		return Token{Kind: SigPause}, true
	case unix.SIGCONT:
		return Token{Kind: SigResume}, true
	case unix.SIGINT, unix.SIGTERM, unix.SIGQUIT:
		return Token{Kind: SigShutdown, OS: sig}, true
	case unix.SIGCHLD:
		return Token{}, false
	default:
		if sig == infoSignal() {
			return Token{Kind: SigCensus}, true
		}
		return Token{}, false
	}
}

// enqueueConfigChanged lets the config watcher inject a synthetic rotation
// request without bypassing FIFO ordering.
func (q *SignalQueue) enqueueConfigChanged() {
	select {
	case q.tokens <- Token{Kind: SigConfigChanged}:
	default:
		logrus.Warn("signal queue full, dropping synthetic config-changed token")
	}
}

// infoSignal is SIGINFO where supported (BSD/Darwin) and SIGUSR1 as the
// portable stand-in elsewhere (Linux has no SIGINFO). Either way it is
// strictly a diagnostic trigger, never fatal if unsupported.
func infoSignal() os.Signal {
	return infoSignalImpl()
}
