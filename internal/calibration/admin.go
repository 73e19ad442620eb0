package calibration

import (
	"fmt"
	"log"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts a read-only SQL browser over the calibration
// cache database for field-support debugging, mirroring the teacher's
// top-level db.go wiring of tailsql over its own sqlite database.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("calibration: failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://calibration.db", s.db, &tailsql.DBOptions{
		Label: "Calibration cache",
	})

	debug.Handle("tailsql/", "SQL live debugging of the calibration cache", tsql.NewMux())

	debug.Handle("calibration/count", "Number of cached calibration documents", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM calibration_cache`).Scan(&count); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "%d\n", count)
	}))
}
