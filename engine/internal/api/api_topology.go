package api

import (
	"errors"
	"net/http"

	"github.com/pilot-net/topomon/engine/internal/registry"
	"github.com/pilot-net/topomon/engine/internal/topology"
	"github.com/pilot-net/topomon/pkg/types"
)

// =============================================================================
// TOPOLOGY
// =============================================================================

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipe.Snapshot())
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	layer, ok := parseLayer(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "layer must be l2 or l3")
		return
	}

	version := s.pipe.Graph().Version()
	if s.cache != nil {
		if comps, hit := s.cache.Components(r.Context(), layer, version); hit {
			s.writeComponents(w, layer, version, comps, true)
			return
		}
	}

	snap := s.pipe.Snapshot()
	comps := topology.Components(snap, layer)
	if s.cache != nil {
		s.cache.PutComponents(r.Context(), layer, snap.Version, comps)
	}
	s.writeComponents(w, layer, snap.Version, comps, false)
}

func (s *Server) writeComponents(w http.ResponseWriter, layer types.Layer, version uint64, comps [][]string, cached bool) {
	if layer == "" {
		layer = "all"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":    version,
		"layer":      layer,
		"components": comps,
		"cached":     cached,
	})
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	layer, ok := parseLayer(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "layer must be l2 or l3")
		return
	}
	stale := r.URL.Query().Get("stale")
	if stale != "" && stale != "true" && stale != "false" {
		s.writeError(w, http.StatusBadRequest, "stale must be true or false")
		return
	}

	snap := s.pipe.Snapshot()
	links := make([]types.Link, 0, len(snap.Links))
	for _, l := range snap.Links {
		if layer != "" && l.Layer != layer {
			continue
		}
		if stale != "" && l.Stale != (stale == "true") {
			continue
		}
		links = append(links, l)
	}

	limit, offset := pagination(r)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version,
		"total":   len(links),
		"links":   page(links, limit, offset),
	})
}

// =============================================================================
// DEVICES
// =============================================================================

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	reviewOnly := r.URL.Query().Get("review") == "true"

	all := s.pipe.Registry().List()
	devices := make([]types.Device, 0, len(all))
	for _, d := range all {
		if reviewOnly && !d.NeedsReview {
			continue
		}
		devices = append(devices, d)
	}

	limit, offset := pagination(r)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(devices),
		"devices": page(devices, limit, offset),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.pipe.Registry().Lookup(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	layer, ok := parseLayer(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "layer must be l2 or l3")
		return
	}
	d, ok := s.pipe.Registry().Lookup(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	neighbors := s.pipe.Graph().NeighborsOf(d.ID, layer)
	if neighbors == nil {
		neighbors = []topology.Neighbor{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID,
		"neighbors": neighbors,
	})
}

type mergeRequest struct {
	DeviceA string `json:"device_a"`
	DeviceB string `json:"device_b"`
}

func (s *Server) handleMergeDevices(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceA == "" || req.DeviceB == "" {
		s.writeError(w, http.StatusBadRequest, "device_a and device_b are required")
		return
	}

	survivor, err := s.pipe.MergeDevices(req.DeviceA, req.DeviceB)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, survivor)
}

func (s *Server) handleMarkReviewed(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipe.MarkReviewed(r.PathValue("id"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var key types.ChassisKey
	if err := s.readJSON(r, &key); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !key.Protocol.Valid() || key.ID == "" {
		s.writeError(w, http.StatusBadRequest, "protocol and id are required")
		return
	}

	created, err := s.pipe.DetachChassis(r.PathValue("id"), key)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error())
}
