package web

import (
	"errors"
	"net/http"

	"home-energy/internal/device"
	"home-energy/internal/store"
	"home-energy/internal/topology"
)

// storeReady writes 404 when no store is configured.
func (s *Server) storeReady(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "topology is not available"})
		return false
	}
	return true
}

// writeStoreError maps store lookups onto 404 and everything else onto 500.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, topology.ErrHubNotFound) || errors.Is(err, topology.ErrRoomNotFound) || errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error(op, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) handleListHubs(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	hubs, err := s.store.ListHubs()
	if err != nil {
		s.writeStoreError(w, "list hubs", err)
		return
	}
	if hubs == nil {
		hubs = []*topology.Hub{}
	}
	s.writeJSON(w, http.StatusOK, hubs)
}

func (s *Server) handleGetHub(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	hub, err := s.store.Hub(r.Context(), r.PathValue("hub"))
	if err != nil {
		s.writeStoreError(w, "get hub", err)
		return
	}
	s.writeJSON(w, http.StatusOK, hub)
}

// handleDeleteHub removes a hub and its rooms. Its devices stay stored and
// reappear if the hub is recreated.
func (s *Server) handleDeleteHub(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	code := r.PathValue("hub")
	if _, err := s.store.Hub(r.Context(), code); err != nil {
		s.writeStoreError(w, "delete hub", err)
		return
	}
	if err := s.store.DeleteHub(code); err != nil {
		s.writeStoreError(w, "delete hub", err)
		return
	}
	s.logger.Info("hub deleted", "hub", code)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	rooms, err := s.store.RoomsOf(r.Context(), r.PathValue("hub"))
	if err != nil {
		s.writeStoreError(w, "list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []topology.Room{}
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	room, err := s.store.GetRoom(r.PathValue("hub"), r.PathValue("room"))
	if err != nil {
		s.writeStoreError(w, "get room", err)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

// handleDeleteRoom removes a room; its devices fall into the unassigned group.
func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	hub, id := r.PathValue("hub"), r.PathValue("room")
	if _, err := s.store.GetRoom(hub, id); err != nil {
		s.writeStoreError(w, "delete room", err)
		return
	}
	if err := s.store.DeleteRoom(hub, id); err != nil {
		s.writeStoreError(w, "delete room", err)
		return
	}
	s.logger.Info("room deleted", "hub", hub, "room", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	devices, err := s.store.DevicesOf(r.Context(), r.PathValue("hub"))
	if err != nil {
		s.writeStoreError(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []device.Record{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	rec, err := s.store.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleDeleteDevice removes a device record. Rooms that still list it
// report it as a dangling reference until they are updated.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetDevice(id); err != nil {
		s.writeStoreError(w, "delete device", err)
		return
	}
	if err := s.store.DeleteDevice(id); err != nil {
		s.writeStoreError(w, "delete device", err)
		return
	}
	s.logger.Info("device deleted", "device", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
