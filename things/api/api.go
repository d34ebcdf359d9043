/*
Package api is the RESTful telemetry interface for thingy devices. It
serves stored sensor data, event history and windowed statistics,
publishes actuator commands, and bridges the in-process event bus to
server-sent event streams for live flip and button notifications.

All routes resolve the authenticated user to their bound thingy first;
a user without a bound thingy gets a not-found answer before any data
is touched.
*/
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/thingcloud/core/access"
	"github.com/relabs-tech/thingcloud/core/logger"
	"github.com/relabs-tech/thingcloud/things"
	"github.com/relabs-tech/thingcloud/things/eventbus"
)

// API is the RESTful telemetry interface.
type API struct {
	store     things.Store
	bus       *eventbus.Bus
	publisher things.Publisher
	resolver  things.Resolver
	heartbeat time.Duration
}

// Builder is a builder helper for the API.
type Builder struct {
	// Store is the time-series store. This is mandatory.
	Store things.Store
	// Bus is the in-process event bus live subscriptions attach to.
	// This is mandatory.
	Bus *eventbus.Bus
	// Publisher sends actuator commands to devices. This is
	// mandatory.
	Publisher things.Publisher
	// Resolver maps authenticated users to their bound thingy. This
	// is mandatory.
	Resolver things.Resolver
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// HeartbeatInterval is the keep-alive interval of live streams.
	// Optional, default is 5 seconds.
	HeartbeatInterval time.Duration
}

// NewAPI realizes the telemetry API and adds its routes to the
// router.
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	if b.Resolver == nil {
		panic("Resolver is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}

	heartbeat := b.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 5 * time.Second
	}

	a := &API{
		store:     b.Store,
		bus:       b.Bus,
		publisher: b.Publisher,
		resolver:  b.Resolver,
		heartbeat: heartbeat,
	}
	a.handleRoutes(b.Router)
	return a
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Status: status, Message: message})
}

func writeJSON(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(result)
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("things: handle route /things/sensorData/{sensorType} GET")
	rlog.Debugln("things: handle route /things/sensorData/{sensorType}/statistics/{statistic} GET")
	rlog.Debugln("things: handle route /things/{flips,buttons} GET")
	rlog.Debugln("things: handle route /things/{flips,buttons}/subscribe GET")
	rlog.Debugln("things: handle route /things/buzzer/{setting} POST")
	rlog.Debugln("things: handle route /things/LED/setColor/{color} POST")

	router.HandleFunc("/things/sensorData/{sensorType}", a.sensorDataWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/things/sensorData/{sensorType}/statistics/{statistic}", a.statisticWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/things/flips", a.eventHistoryWithAuth(things.EventFlip)).Methods(http.MethodGet)
	router.HandleFunc("/things/buttons", a.eventHistoryWithAuth(things.EventButton)).Methods(http.MethodGet)
	router.HandleFunc("/things/flips/subscribe", a.subscribeWithAuth(things.EventFlip)).Methods(http.MethodGet)
	router.HandleFunc("/things/buttons/subscribe", a.subscribeWithAuth(things.EventButton)).Methods(http.MethodGet)
	router.HandleFunc("/things/buzzer/{setting}", a.buzzerWithAuth).Methods(http.MethodPost)
	router.HandleFunc("/things/LED/setColor/{color}", a.ledWithAuth).Methods(http.MethodPost)
}

// thingyForRequest resolves the authenticated caller to their bound
// thingy. It writes the error response itself when it returns
// ok == false.
func (a *API) thingyForRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := access.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authorized")
		return "", false
	}
	name, found, err := a.resolver.ThingyNameForUser(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("resolve thingy for user", userID)
		writeError(w, http.StatusInternalServerError, "cannot resolve thingy")
		return "", false
	}
	if !found {
		writeError(w, http.StatusNotFound, "no thingy bound to user")
		return "", false
	}
	return name, true
}

// timeWindow reads the startTime/endTime query parameters.
func timeWindow(r *http.Request) (time.Time, time.Time, bool) {
	startTime := r.URL.Query().Get("startTime")
	endTime := r.URL.Query().Get("endTime")
	if startTime == "" || endTime == "" {
		return time.Time{}, time.Time{}, false
	}
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (a *API) sensorDataWithAuth(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	thingyName, ok := a.thingyForRequest(w, r)
	if !ok {
		return
	}
	kind, ok := things.SensorKindFromString(mux.Vars(r)["sensorType"])
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown sensor type")
		return
	}
	start, end, ok := timeWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "startTime and endTime are required")
		return
	}

	readings, err := a.store.ReadReadings(r.Context(), thingyName, kind, start, end)
	if err != nil {
		rlog.WithError(err).Errorln("read", kind, "readings for", thingyName)
		writeError(w, http.StatusInternalServerError, "cannot read sensor data")
		return
	}
	writeJSON(w, readings)
}

type statisticResponse struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *API) statisticWithAuth(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	thingyName, ok := a.thingyForRequest(w, r)
	if !ok {
		return
	}
	params := mux.Vars(r)
	kind, ok := things.SensorKindFromString(params["sensorType"])
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown sensor type")
		return
	}
	statistic, ok := things.StatisticFromString(params["statistic"])
	if !ok {
		writeError(w, http.StatusBadRequest, "statistic must be one of min, max, average")
		return
	}
	start, end, ok := timeWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "startTime and endTime are required")
		return
	}

	value, found, err := a.store.ReadStatistic(r.Context(), thingyName, kind, statistic, start, end)
	if err != nil {
		rlog.WithError(err).Errorln("read", statistic, "of", kind, "for", thingyName)
		writeError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no data in requested window")
		return
	}
	writeJSON(w, statisticResponse{Value: value, Timestamp: time.Now().UTC()})
}

func (a *API) eventHistoryWithAuth(kind things.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		thingyName, ok := a.thingyForRequest(w, r)
		if !ok {
			return
		}
		events, err := a.store.ReadEvents(r.Context(), thingyName, kind)
		if err != nil {
			rlog.WithError(err).Errorln("read", kind, "events for", thingyName)
			writeError(w, http.StatusInternalServerError, "cannot read event history")
			return
		}
		writeJSON(w, events)
	}
}

func (a *API) buzzerWithAuth(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	thingyName, ok := a.thingyForRequest(w, r)
	if !ok {
		return
	}
	var on bool
	switch mux.Vars(r)["setting"] {
	case "on":
		on = true
	case "off":
		on = false
	default:
		writeError(w, http.StatusBadRequest, "setting must be on or off")
		return
	}

	if err := a.publisher.Publish(thingyName, things.BuzzerCommand(on)); err != nil {
		rlog.WithError(err).Errorln("publish buzzer command to", thingyName)
		writeError(w, http.StatusBadGateway, "cannot publish command")
		return
	}
	writeJSON(w, map[string]string{"message": "buzzer command sent"})
}

var ledColors = map[string]bool{"red": true, "green": true, "blue": true, "off": true}

func (a *API) ledWithAuth(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	thingyName, ok := a.thingyForRequest(w, r)
	if !ok {
		return
	}
	color := mux.Vars(r)["color"]
	if !ledColors[color] {
		writeError(w, http.StatusBadRequest, "color must be one of red, green, blue, off")
		return
	}

	if err := a.publisher.Publish(thingyName, things.LEDCommand(color)); err != nil {
		rlog.WithError(err).Errorln("publish LED command to", thingyName)
		writeError(w, http.StatusBadGateway, "cannot publish command")
		return
	}
	writeJSON(w, map[string]string{"message": "LED command sent"})
}
