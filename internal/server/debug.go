package server

import (
	"fmt"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
)

// NewDebugHandler exposes the monkit registry: the present browser under
// /mon/ and a flat "series value" dump under /metrics.
func NewDebugHandler(registry *monkit.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mon/", http.StripPrefix("/mon", present.HTTP(registry)))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		registry.Stats(func(key monkit.SeriesKey, field string, val float64) {
			_, _ = fmt.Fprintf(w, "%s %g\n", key.WithField(field), val)
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	})
	return mux
}
