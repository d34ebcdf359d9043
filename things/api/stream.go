package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thingcloud/core/logger"
	"github.com/relabs-tech/thingcloud/things"
	"github.com/relabs-tech/thingcloud/things/eventbus"
)

// streamState is the live subscription state machine. A stream waits
// for exactly one event, delivers it in a single frame, and closes;
// a client disconnect closes it without delivery.
type streamState int

const (
	stateWaiting streamState = iota
	stateDelivered
	stateClosed
)

// subscribeWithAuth turns one pending discrete event for the caller's
// thingy into a one-shot server-sent event stream. Heartbeat comments
// keep intermediaries from dropping the idle connection, and the bus
// subscription is always released when the handler returns.
func (a *API) subscribeWithAuth(kind things.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		// precondition checks answer before the stream content type
		thingyName, ok := a.thingyForRequest(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		topic := eventbus.Topic{Device: thingyName, Category: kind.Category()}
		events, cancel := a.bus.Subscribe(topic, 1)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		// the stream is idle between heartbeats, a server write
		// deadline would kill it
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			rlog.WithError(err).Debugln("cannot clear write deadline")
		}

		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(a.heartbeat)
		defer ticker.Stop()

		state := stateWaiting
		for state == stateWaiting {
			select {
			case <-r.Context().Done():
				rlog.Debugln("live", topic.Category, "stream for", thingyName, "cancelled by client")
				state = stateClosed

			case event := <-events:
				data, err := json.Marshal(event)
				if err != nil {
					rlog.WithError(err).Errorln("marshal live event for", thingyName)
					state = stateClosed
					break
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
				rlog.Debugln("delivered live", topic.Category, "event to", thingyName)
				state = stateDelivered

			case <-ticker.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					// failed write means the client is gone
					state = stateClosed
					break
				}
				flusher.Flush()
			}
		}
		// delivered or closed, either way the deferred cancel
		// releases the subscription
	}
}
