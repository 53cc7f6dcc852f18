package http

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"metacat/pkg/catalog"
	"metacat/pkg/dberrors"
	"metacat/pkg/master"
	"metacat/pkg/types"
)

// Committed metadata is never modified in place, so views may share it.

type namespaceView struct {
	ID types.NamespaceID `json:"id"`
	*catalog.PersistentNamespaceInfo
}

type udtypeView struct {
	ID types.UDTypeID `json:"id"`
	*catalog.PersistentUDTypeInfo
}

type tableView struct {
	ID         types.TableID `json:"id"`
	NumTablets int           `json:"num_tablets"`
	*catalog.PersistentTableInfo
}

type tabletView struct {
	ID types.TabletID `json:"id"`
	*catalog.PersistentTabletInfo
}

type leaderView struct {
	TServerID types.TabletServerID `json:"ts_id"`
	RPCAddr   string               `json:"rpc_addr"`
}

type doneView struct {
	Done bool `json:"done"`
}

func viewNamespace(ns *catalog.NamespaceInfo) namespaceView {
	return namespaceView{ID: ns.ID(), PersistentNamespaceInfo: ns.LockForRead().Data()}
}

func viewUDType(ud *catalog.UDTypeInfo) udtypeView {
	return udtypeView{ID: ud.ID(), PersistentUDTypeInfo: ud.LockForRead().Data()}
}

func viewTable(t *catalog.TableInfo) tableView {
	return tableView{ID: t.ID(), NumTablets: t.NumPartitions(), PersistentTableInfo: t.LockForRead().Data()}
}

func viewTablet(t *catalog.TabletInfo) tabletView {
	return tabletView{ID: t.ID(), PersistentTabletInfo: t.LockForRead().Data()}
}

func viewAll[T, V any](items []T, view func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, it := range items {
		out = append(out, view(it))
	}
	return out
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		ns, err := s.catalog.GetNamespaceByName(name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, NewDataResponse(viewNamespace(ns)))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewAll(s.catalog.ListNamespaces(), viewNamespace)))
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req master.CreateNamespaceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ns, err := s.catalog.CreateNamespace(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(viewNamespace(ns)))
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := s.catalog.GetNamespace(types.NamespaceID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewNamespace(ns)))
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteNamespace(r.Context(), types.NamespaceID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleListUDTypes(w http.ResponseWriter, r *http.Request) {
	ns := types.NamespaceID(r.URL.Query().Get("namespace_id"))
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewAll(s.catalog.ListUDTypes(ns), viewUDType)))
}

func (s *Server) handleCreateUDType(w http.ResponseWriter, r *http.Request) {
	var req master.CreateUDTypeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ud, err := s.catalog.CreateUDType(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(viewUDType(ud)))
}

func (s *Server) handleGetUDType(w http.ResponseWriter, r *http.Request) {
	ud, err := s.catalog.GetUDType(types.UDTypeID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewUDType(ud)))
}

func (s *Server) handleDeleteUDType(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteUDType(r.Context(), types.UDTypeID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := types.NamespaceID(q.Get("namespace_id"))
	if name := q.Get("name"); name != "" {
		table, err := s.catalog.GetTableByName(ns, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, NewDataResponse(viewTable(table)))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewAll(s.catalog.ListTables(ns), viewTable)))
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req master.CreateTableRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	table, err := s.catalog.CreateTable(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(viewTable(table)))
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	table, err := s.catalog.GetTable(types.TableID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewTable(table)))
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteTable(r.Context(), types.TableID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleAlterTable(w http.ResponseWriter, r *http.Request) {
	var req master.AlterTableRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	table, err := s.catalog.AlterTable(r.Context(), types.TableID(chi.URLParam(r, "id")), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewTable(table)))
}

func (s *Server) handleIsAlterTableDone(w http.ResponseWriter, r *http.Request) {
	done, err := s.catalog.IsAlterTableDone(types.TableID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(doneView{Done: done}))
}

func (s *Server) handleIsCreateTableDone(w http.ResponseWriter, r *http.Request) {
	done, err := s.catalog.IsCreateTableDone(types.TableID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(doneView{Done: done}))
}

// handleTableLocations takes hex encoded partition keys in start and end.
func (s *Server) handleTableLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := hex.DecodeString(q.Get("start"))
	if err != nil {
		s.writeError(w, dberrors.InvalidArgumentf("start is not hex: %v", err))
		return
	}
	end, err := hex.DecodeString(q.Get("end"))
	if err != nil {
		s.writeError(w, dberrors.InvalidArgumentf("end is not hex: %v", err))
		return
	}
	maxReturned := 0
	if v := q.Get("max"); v != "" {
		if maxReturned, err = strconv.Atoi(v); err != nil {
			s.writeError(w, dberrors.InvalidArgumentf("max: %v", err))
			return
		}
	}
	includeInactive := false
	if v := q.Get("include_inactive"); v != "" {
		if includeInactive, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, dberrors.InvalidArgumentf("include_inactive: %v", err))
			return
		}
	}

	locs, err := s.catalog.GetTableLocations(
		types.TableID(chi.URLParam(r, "id")), string(start), string(end), maxReturned, includeInactive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(locs))
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.StartIndexBackfill(r.Context(), types.TableID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFinishBackfill(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.FinishIndexBackfill(r.Context(), types.TableID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGetTablet(w http.ResponseWriter, r *http.Request) {
	tablet, err := s.catalog.GetTablet(types.TabletID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewTablet(tablet)))
}

func (s *Server) handleTabletLeader(w http.ResponseWriter, r *http.Request) {
	ts, err := s.catalog.GetTabletLeader(types.TabletID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(leaderView{TServerID: ts.ID(), RPCAddr: ts.Info().RPCAddr}))
}

func (s *Server) handleAddStatusTablet(w http.ResponseWriter, r *http.Request) {
	tablet, err := s.catalog.AddStatusTablet(r.Context(), types.TableID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(viewTablet(tablet)))
}

func (s *Server) handleSplitTablet(w http.ResponseWriter, r *http.Request) {
	children, err := s.catalog.SplitTablet(r.Context(), types.TabletID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewAll(children, viewTablet)))
}

type stepDownRequest struct {
	NewLeader types.TabletServerID `json:"new_leader,omitempty"`
}

func (s *Server) handleStepDown(w http.ResponseWriter, r *http.Request) {
	var req stepDownRequest
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.catalog.StepDownLeader(types.TabletID(chi.URLParam(r, "id")), req.NewLeader); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, NewSuccessResponse())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report master.TabletReport
	if !s.decodeJSON(w, r, &report) {
		return
	}
	if report.TServer.ID == "" {
		s.writeError(w, dberrors.InvalidArgumentf("tablet report without a tablet server id"))
		return
	}

	if s.heartbeats == nil {
		if err := s.catalog.ProcessTabletReport(r.Context(), report); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, NewSuccessResponse())
		return
	}
	if err := s.heartbeats.Enqueue(r.Context(), report); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusAccepted, NewSuccessResponse())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.catalog.ListTasks()))
}

func (s *Server) handleDdlLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.DdlLog()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(entries))
}
