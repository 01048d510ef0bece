package auditlog

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// Recorder turns teleport notifications into audit entries. Register it
// as a global bus subscriber.
type Recorder struct {
	w      *Writer
	now    func() time.Time
	closed atomic.Bool
}

// NewRecorder writes through w.
func NewRecorder(w *Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

func (r *Recorder) Receive(ev events.Event) {
	if r.closed.Load() {
		return
	}
	switch ev.Type {
	case events.EvTeleportCompleted, events.EvTeleportCancelled, events.EvTeleportRejected:
	default:
		return
	}
	e := Entry{
		Time:   r.now().UnixMilli(),
		Kind:   ev.Type.String(),
		Player: ev.Player.String(),
		Home:   ev.Home,
		Reason: ev.Reason,
	}
	if ev.Owner != homedb.NoPlayer && ev.Owner != ev.Player {
		e.Owner = ev.Owner.String()
	}
	if ev.Location != nil {
		e.World = ev.Location.World
		e.X, e.Y, e.Z = ev.Location.Position.X, ev.Location.Position.Y, ev.Location.Position.Z
	}
	if err := r.w.Write(e); err != nil {
		log.Printf("auditlog: WARNING: %v", err)
	}
}

// Record writes a non-teleport entry such as a home mutation.
func (r *Recorder) Record(kind string, player homedb.PlayerID, home string) {
	if r.closed.Load() {
		return
	}
	e := Entry{
		Time:   r.now().UnixMilli(),
		Kind:   kind,
		Player: player.String(),
		Home:   home,
	}
	if err := r.w.Write(e); err != nil {
		log.Printf("auditlog: WARNING: %v", err)
	}
}

func (r *Recorder) Closed() bool { return r.closed.Load() }

// Close stops the recorder and closes the writer.
func (r *Recorder) Close() error {
	r.closed.Store(true)
	return r.w.Close()
}
