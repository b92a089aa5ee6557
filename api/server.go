// Package api implements the HTTP surface: the JSON API, the SSE
// change stream, the RSS feeds, and static file serving. Handlers never
// touch the graph or store directly — they render whatever the cache
// currently holds, which is always a fully-applied, self-consistent
// snapshot.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/blockwatch-labs/forkwatch/broadcast"
	"github.com/blockwatch-labs/forkwatch/cache"
	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/log"
	"github.com/blockwatch-labs/forkwatch/model"
)

// Server wires the cache, broadcaster, and static configuration into an
// http.Handler.
type Server struct {
	caches     *cache.Caches
	broadcast  *broadcast.Broadcaster
	networks   []config.Network
	footerHTML string
	wwwPath    string
	rssBaseURL string
	log        log.Logger
}

// New builds the HTTP handler. wwwPath may be empty, in which case
// static routes 404.
func New(caches *cache.Caches, bc *broadcast.Broadcaster, networks []config.Network, footerHTML, wwwPath, rssBaseURL string) http.Handler {
	s := &Server{
		caches:     caches,
		broadcast:  bc,
		networks:   networks,
		footerHTML: footerHTML,
		wwwPath:    wwwPath,
		rssBaseURL: rssBaseURL,
		log:        log.Root().With("component", "api"),
	}

	r := httprouter.New()
	r.GET("/api/info.json", s.handleInfo)
	r.GET("/api/networks.json", s.handleNetworks)
	r.GET("/api/:network_id/data.json", s.handleData)
	r.GET("/api/changes", s.handleChanges)
	r.GET("/rss/:network_id/forks.xml", s.handleRSSForks)
	r.GET("/rss/:network_id/invalid.xml", s.handleRSSInvalid)
	r.GET("/rss/:network_id/lagging.xml", s.handleRSSLagging)
	r.GET("/rss/:network_id/unreachable.xml", s.handleRSSUnreachable)
	if wwwPath != "" {
		r.ServeFiles("/static/*filepath", http.Dir(wwwPath))
		r.GET("/", s.serveIndex)
		r.GET("/fullscreen", s.serveIndex)
		r.GET("/playground", s.serveIndex)
	}

	return cors.Default().Handler(r)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	http.ServeFile(w, r, s.wwwPath+"/index.html")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, model.InfoJSONResponse{Footer: s.footerHTML})
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := model.NetworksJSONResponse{Networks: make([]model.NetworkJSON, 0, len(s.networks))}
	for _, n := range s.networks {
		resp.Networks = append(resp.Networks, model.NetworkJSON{ID: n.ID, Name: n.Name, Description: n.Description})
	}
	writeJSON(w, resp)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := parseNetworkID(ps)
	if !ok {
		writeJSON(w, model.DataJSONResponse{})
		return
	}
	headers, nodes, found := s.caches.Snapshot(id)
	if !found {
		writeJSON(w, model.DataJSONResponse{})
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	writeJSON(w, model.DataJSONResponse{HeaderInfos: headers, Nodes: nodes})
}

// handleChanges serves /api/changes as a Server-Sent-Events stream:
// one "cache_changed" event per published network id, plus a periodic
// keep-alive comment so idle proxies don't time the connection out.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.broadcast.Subscribe()
	defer unsubscribe()

	keepAlive := time.NewTicker(20 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case networkID, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(model.DataChanged{NetworkID: networkID})
			fmt.Fprintf(w, "event: cache_changed\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseNetworkID(ps httprouter.Params) (uint32, bool) {
	var id uint32
	if _, err := fmt.Sscanf(ps.ByName("network_id"), "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
