package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/synnergy-coop/covenant/core"
)

// newDebugRouter builds the node's read-only debug/inspection HTTP
// surface. It is deliberately not a governance or wallet API — only
// operational lookups.
func newDebugRouter(rt *Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/node", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"did": rt.NodeDID})
		})

		v1.Route("/dag/{entity}", func(dr chi.Router) {
			dr.Get("/{cid}", func(w http.ResponseWriter, req *http.Request) {
				entity := core.DID(chi.URLParam(req, "entity"))
				c, err := core.ParseContentID(chi.URLParam(req, "cid"))
				if err != nil {
					http.Error(w, "invalid content id", http.StatusBadRequest)
					return
				}
				node, ok := rt.DAG.GetNode(entity, c)
				if !ok {
					http.NotFound(w, req)
					return
				}
				writeJSON(w, node)
			})
		})

		v1.Get("/blob/{cid}", func(w http.ResponseWriter, req *http.Request) {
			c, err := core.ParseContentID(chi.URLParam(req, "cid"))
			if err != nil {
				http.Error(w, "invalid content id", http.StatusBadRequest)
				return
			}
			data, ok, err := rt.Blobs.Get(c)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, req)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(data)
		})

		v1.Get("/budget/{id}", func(w http.ResponseWriter, req *http.Request) {
			bal, err := rt.Budgets.QueryBalance(chi.URLParam(req, "id"), core.ResourceCompute)
			if err != nil {
				http.Error(w, "budget not found", http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"compute_balance": bal})
		})

		v1.Get("/events/{scope}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, rt.Events.ForScope(core.DID(chi.URLParam(req, "scope"))))
		})

		v1.Get("/sandboxes", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, rt.Sandboxes.ListSandboxes())
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
