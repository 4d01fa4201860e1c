package matchwait

import (
	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/discovery"
)

// Listener forwards discovery events to a Tracker.
// It does not own the tracker and must not outlive it.
type Listener struct {
	tracker *Tracker
	log     *logrus.Entry
}

var _ discovery.Handler = (*Listener)(nil)

// NewListener returns a Listener applying events to tracker.
func NewListener(tracker *Tracker) *Listener {
	return &Listener{
		tracker: tracker,
		log:     tracker.log,
	}
}

// PeerMatched implements discovery.Handler.
func (l *Listener) PeerMatched(peer discovery.Peer) {
	l.tracker.OnMatched()
	l.log.WithFields(logrus.Fields{
		"peer":  peer.ID,
		"topic": peer.Topic,
	}).Debug("Peer matched")
}

// PeerUnmatched implements discovery.Handler.
// An underflow is logged and otherwise swallowed so the discovery goroutine
// never sees a failure.
func (l *Listener) PeerUnmatched(peer discovery.Peer) {
	fields := logrus.Fields{
		"peer":  peer.ID,
		"topic": peer.Topic,
	}
	if err := l.tracker.OnUnmatched(); err != nil {
		l.log.WithFields(fields).WithError(err).Error("Peer unmatched without prior match")
		return
	}
	l.log.WithFields(fields).Debug("Peer unmatched")
}
