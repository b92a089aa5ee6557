package api

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"

	"github.com/blockwatch-labs/forkwatch/model"
)

// thresholdNodeLagging is the number of blocks a node's active tip must
// trail the fleet maximum by before it is reported as lagging.
const thresholdNodeLagging = 3

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	GUID        string `xml:"guid"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

func (s *Server) writeRSS(w http.ResponseWriter, title, description string, items []rssItem) {
	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{Title: title, Link: s.rssBaseURL, Description: description, Items: items},
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(feed)
}

func (s *Server) write404UnknownNetwork(w http.ResponseWriter) {
	ids := make([]uint32, 0, len(s.networks))
	for _, n := range s.networks {
		ids = append(ids, n.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	http.Error(w, fmt.Sprintf("unknown network id; known ids: %v", ids), http.StatusNotFound)
}

func (s *Server) handleRSSForks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := parseNetworkID(ps)
	if !ok {
		s.write404UnknownNetwork(w)
		return
	}
	forks, found := s.caches.Forks(id)
	if !found {
		s.write404UnknownNetwork(w)
		return
	}

	items := make([]rssItem, 0, len(forks))
	for _, f := range forks {
		items = append(items, rssItem{
			Title:       fmt.Sprintf("Fork at height %d", f.Common.Height),
			Description: fmt.Sprintf("%d chains diverge from %s at height %d", len(f.Children), f.Common.Hash(), f.Common.Height),
			GUID:        f.Common.Hash().String(),
		})
	}
	s.writeRSS(w, "forks", "Recent forks", items)
}

func (s *Server) handleRSSInvalid(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := parseNetworkID(ps)
	if !ok {
		s.write404UnknownNetwork(w)
		return
	}
	nodes, found := s.caches.NodeDataList(id)
	if !found {
		s.write404UnknownNetwork(w)
		return
	}

	var items []rssItem
	for _, nd := range nodes {
		for _, t := range nd.Tips {
			if t.Status != model.StatusInvalid.String() {
				continue
			}
			items = append(items, rssItem{
				Title:       fmt.Sprintf("Invalid block at height %d", t.Height),
				Description: fmt.Sprintf("reported by node %s", nd.Name),
				GUID:        t.Hash,
			})
		}
	}
	s.writeRSS(w, "invalid", "Invalid blocks seen by any node", items)
}

func (s *Server) handleRSSLagging(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := parseNetworkID(ps)
	if !ok {
		s.write404UnknownNetwork(w)
		return
	}
	nodes, found := s.caches.NodeDataList(id)
	if !found {
		s.write404UnknownNetwork(w)
		return
	}

	var maxHeight uint64
	activeHeight := make(map[string]uint64, len(nodes))
	for _, nd := range nodes {
		for _, t := range nd.Tips {
			if t.Status != model.StatusActive.String() {
				continue
			}
			activeHeight[nd.Name] = t.Height
			if t.Height > maxHeight {
				maxHeight = t.Height
			}
		}
	}

	var items []rssItem
	for _, nd := range nodes {
		h, ok := activeHeight[nd.Name]
		if !ok {
			continue
		}
		if maxHeight-h >= thresholdNodeLagging {
			items = append(items, rssItem{
				Title:       fmt.Sprintf("Node %s is lagging", nd.Name),
				Description: fmt.Sprintf("active tip at height %d, fleet max %d", h, maxHeight),
				GUID:        fmt.Sprintf("lagging-%s-%d", nd.Name, h),
			})
		}
	}
	s.writeRSS(w, "lagging", "Nodes trailing the fleet's highest tip", items)
}

func (s *Server) handleRSSUnreachable(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := parseNetworkID(ps)
	if !ok {
		s.write404UnknownNetwork(w)
		return
	}
	nodes, found := s.caches.NodeDataList(id)
	if !found {
		s.write404UnknownNetwork(w)
		return
	}

	var items []rssItem
	for _, nd := range nodes {
		if nd.Reachable {
			continue
		}
		items = append(items, rssItem{
			Title:       fmt.Sprintf("Node %s is unreachable", nd.Name),
			Description: nd.Description,
			GUID:        fmt.Sprintf("unreachable-%s", nd.Name),
		})
	}
	s.writeRSS(w, "unreachable", "Currently unreachable nodes", items)
}
