package routers

import (
	"chronos/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the timer service
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Registers a new timer and fans it out to its replicas
	r.HandleFunc("/timers", h.AddTimer).Methods("POST")

	// Serves the inter-node resync query for timers owned by a peer
	r.HandleFunc("/timers", h.GetTimers).Methods("GET")

	// Advisory directive telling this node which replica took over a timer
	r.HandleFunc("/timers/references", h.DeleteReferences).Methods("DELETE")

	// Client updates and inter-node replication pushes
	r.HandleFunc("/timers/{id}", h.UpdateTimer).Methods("PUT")

	// Cancels a timer on every replica
	r.HandleFunc("/timers/{id}", h.DeleteTimer).Methods("DELETE")

	// Kicks off a full resynchronization against the current cluster view
	r.HandleFunc("/sync/resync", h.TriggerResync).Methods("POST")
}
