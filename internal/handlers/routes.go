package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RegisterRoutes mounts the offline management API on router
func RegisterRoutes(router *mux.Router, downloads *DownloadHandler, library *LibraryHandler, conn *ConnectivityHandler) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	traced := func(name string, h http.HandlerFunc) http.Handler {
		return otelhttp.NewHandler(h, name)
	}

	api := router.PathPrefix("/offline").Subrouter()
	api.Handle("/audiobooks", traced("GET /offline/audiobooks", library.List)).Methods("GET")
	api.Handle("/audiobooks/{id}", otelhttp.NewHandler(downloads, "POST /offline/audiobooks/{id}")).Methods("POST")
	api.Handle("/audiobooks/{id}", traced("DELETE /offline/audiobooks/{id}", library.Remove)).Methods("DELETE")
	api.Handle("/audiobooks/{id}/source", traced("GET /offline/audiobooks/{id}/source", library.Source)).Methods("GET")
	api.Handle("/audiobooks/{id}/source/refresh", traced("POST /offline/audiobooks/{id}/source/refresh", library.RefreshSource)).Methods("POST")
	api.Handle("/downloads/{id}", traced("GET /offline/downloads/{id}", downloads.Status)).Methods("GET")
	api.Handle("/storage", traced("GET /offline/storage", library.Storage)).Methods("GET")
	api.Handle("/storage", traced("DELETE /offline/storage", library.Clear)).Methods("DELETE")
	api.Handle("/connectivity", traced("GET /offline/connectivity", conn.Get)).Methods("GET")
	api.Handle("/connectivity", traced("PUT /offline/connectivity", conn.Put)).Methods("PUT")
}
