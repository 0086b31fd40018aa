package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/viewer"
	"github.com/go-chi/chi/v5"
)

// defaultListLimit is the page size of GET /trees/{tree}
const defaultListLimit = 100

// treeInfo is one entry of GET /trees
type treeInfo struct {
	Name   string `json:"name"`
	Cursor uint64 `json:"cursor"`
}

// recordInfo is one entry of GET /trees/{tree}
type recordInfo struct {
	ID       string `json:"id"`
	Revision uint32 `json:"revision"`
	Schema   string `json:"schema"`
	Release  uint32 `json:"release"`
	State    uint32 `json:"state"`
	Creator  string `json:"creator"`
	Deleted  bool   `json:"deleted"`
	Size     int    `json:"size"`
}

// InspectHandler returns the read only HTTP api of the server:
//
//	GET /trees                 managed trees with their cursor
//	GET /trees/{tree}          records of a tree (?after=<id>&limit=<n>)
//	GET /trees/{tree}/{id}     one record rendered as YAML
//	GET /borrows               live borrows (?client=<id>)
//	GET /metrics               metrics in Prometheus text format
func (s *RPCServer) InspectHandler() http.Handler {
	r := chi.NewRouter()

	r.Get("/trees", s.handleTrees)
	r.Get("/trees/{tree}", s.handleTree)
	r.Get("/trees/{tree}/{id}", s.handleRecord)
	r.Get("/borrows", s.handleBorrows)
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		s.metrics.write(w)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "identity": s.identity, "name": s.config.Name})
	})
	return r
}

// startInspect serves the inspection api in the background
func (s *RPCServer) startInspect() {
	s.inspect = &http.Server{Addr: s.config.InspectEndpoint, Handler: s.InspectHandler()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		Logger.Infof("inspection api listening on %s", s.config.InspectEndpoint)
		if err := s.inspect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("inspection api stopped: %v", err)
		}
	}()
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (s *RPCServer) handleTrees(w http.ResponseWriter, _ *http.Request) {
	names, err := s.store.Trees()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]treeInfo, 0, len(names))
	for _, name := range names {
		cursor, err := s.store.Cursor(name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, treeInfo{Name: name, Cursor: cursor})
	}
	writeJSON(w, out)
}

func (s *RPCServer) handleTree(w http.ResponseWriter, r *http.Request) {
	treeName := chi.URLParam(r, "tree")

	var after keys.ID
	if v := r.URL.Query().Get("after"); v != "" {
		id, err := keys.ParseID(v)
		if err != nil {
			writeError(w, err)
			return
		}
		after = id
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errs.Newf(errs.RetCInvalidOperation, "invalid limit %q", v))
			return
		}
		limit = n
	}

	envs, err := s.store.List(treeName, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]recordInfo, 0, len(envs))
	for _, env := range envs {
		out = append(out, recordInfo{
			ID:       env.Key.ID.String(),
			Revision: env.Key.Revision,
			Schema:   env.Schema.String(),
			Release:  env.Release,
			State:    env.State,
			Creator:  env.Creator,
			Deleted:  env.Deleted,
			Size:     len(env.Payload),
		})
	}
	writeJSON(w, out)
}

func (s *RPCServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	treeName := chi.URLParam(r, "tree")
	id, err := keys.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	env, ok, err := s.store.Get(treeName, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errs.Newf(errs.RetCNotFound, "%s/%s not found", treeName, id))
		return
	}

	// the server has no registry, payloads are rendered as JSON or opaque bytes
	doc, err := viewer.New(nil, nil).RenderEnvelope(treeName, env)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write([]byte(doc))
}

func (s *RPCServer) handleBorrows(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Borrows(r.URL.Query().Get("client"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, records)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Warningf("writing inspection response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.RetCNotFound:
		status = http.StatusNotFound
	case errs.RetCInvalidOperation, errs.RetCWrongTree:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": errs.CodeOf(err).String(), "error": err.Error()})
}
