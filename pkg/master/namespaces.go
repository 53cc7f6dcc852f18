package master

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"metacat/pkg/catalog"
	"metacat/pkg/dberrors"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

type CreateNamespaceRequest struct {
	Name         string               `json:"name"`
	DatabaseType catalog.DatabaseType `json:"database_type"`
	Colocated    bool                 `json:"colocated,omitempty"`
}

func (cm *CatalogManager) CreateNamespace(ctx context.Context, req CreateNamespaceRequest) (*catalog.NamespaceInfo, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, dberrors.InvalidArgumentf("namespace name is empty")
	}
	if req.DatabaseType == 0 {
		req.DatabaseType = catalog.DatabaseYCQL
	}

	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	if id, ok := cm.namespaceNames.Load(req.Name); ok {
		return nil, dberrors.WithCode(
			dberrors.AlreadyPresentf("namespace %s already exists [id=%s]", req.Name, id),
			dberrors.CodeNamespaceAlreadyPresent)
	}

	id := types.NamespaceID(newID())
	ns := catalog.NewNamespaceInfo(id, nil)
	l := ns.LockForWrite()
	defer l.Unlock()
	l.Data().Name = req.Name
	l.Data().DatabaseType = req.DatabaseType
	l.Data().Colocated = req.Colocated
	l.Data().State = catalog.NamespaceRunning

	if err := cm.sys.Upsert(ctx, syscatalog.Namespace(id, l.Data())); err != nil {
		return nil, err
	}
	l.Commit()

	cm.namespaces.Store(id, ns)
	cm.namespaceNames.Store(req.Name, id)
	slog.Info("created namespace", "namespace", ns, "database_type", req.DatabaseType)
	return ns, nil
}

func (cm *CatalogManager) GetNamespace(id types.NamespaceID) (*catalog.NamespaceInfo, error) {
	ns, ok := cm.namespaces.Load(id)
	if !ok {
		return nil, namespaceNotFound(id)
	}
	return ns, nil
}

func (cm *CatalogManager) GetNamespaceByName(name string) (*catalog.NamespaceInfo, error) {
	id, ok := cm.namespaceNames.Load(name)
	if !ok {
		return nil, dberrors.WithCode(dberrors.NotFoundf("namespace %s not found", name), dberrors.CodeNamespaceNotFound)
	}
	return cm.GetNamespace(id)
}

// ListNamespaces returns every namespace ordered by id.
func (cm *CatalogManager) ListNamespaces() []*catalog.NamespaceInfo {
	var out []*catalog.NamespaceInfo
	cm.namespaces.Range(func(_ types.NamespaceID, ns *catalog.NamespaceInfo) bool {
		out = append(out, ns)
		return true
	})
	return out
}

// DeleteNamespace drops an empty namespace.
func (cm *CatalogManager) DeleteNamespace(ctx context.Context, id types.NamespaceID) error {
	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	ns, ok := cm.namespaces.Load(id)
	if !ok {
		return namespaceNotFound(id)
	}
	if n := cm.countTablesLocked(id); n > 0 {
		return dberrors.WithCode(
			dberrors.IllegalStatef("cannot delete namespace %s which has %d tables", ns, n),
			dberrors.CodeNamespaceIsNotEmpty)
	}
	if n := len(cm.udtypesOf(id)); n > 0 {
		return dberrors.WithCode(
			dberrors.IllegalStatef("cannot delete namespace %s which has %d types", ns, n),
			dberrors.CodeNamespaceIsNotEmpty)
	}

	l := ns.LockForWrite()
	defer l.Unlock()
	l.Data().State = catalog.NamespaceDeleted

	if err := cm.sys.Delete(ctx, syscatalog.Namespace(id, nil)); err != nil {
		return err
	}
	l.Commit()

	cm.namespaces.Delete(id)
	cm.namespaceNames.Delete(ns.Name())
	slog.Info("deleted namespace", "namespace", ns)
	return nil
}

// countTablesLocked counts the tables of ns that are not being deleted.
func (cm *CatalogManager) countTablesLocked(ns types.NamespaceID) int {
	n := 0
	prefix := string(ns) + "/"
	cm.tableNames.Range(func(key string, _ types.TableID) bool {
		if strings.HasPrefix(key, prefix) {
			n++
		}
		return true
	})
	return n
}

func (cm *CatalogManager) udtypesOf(ns types.NamespaceID) []*catalog.UDTypeInfo {
	var out []*catalog.UDTypeInfo
	cm.udtypes.Range(func(_ types.UDTypeID, ud *catalog.UDTypeInfo) bool {
		if ud.NamespaceID() == ns {
			out = append(out, ud)
		}
		return true
	})
	return out
}

type CreateUDTypeRequest struct {
	NamespaceID types.NamespaceID `json:"namespace_id"`
	Name        string            `json:"name"`
	FieldNames  []string          `json:"field_names"`
	FieldTypes  []string          `json:"field_types"`
}

func (r CreateUDTypeRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return dberrors.InvalidArgumentf("type name is empty")
	}
	if len(r.FieldNames) == 0 {
		return dberrors.InvalidArgumentf("type %s has no fields", r.Name)
	}
	if len(r.FieldNames) != len(r.FieldTypes) {
		return dberrors.InvalidArgumentf("type %s has %d field names and %d field types",
			r.Name, len(r.FieldNames), len(r.FieldTypes))
	}
	sorted := slices.Sorted(slices.Values(r.FieldNames))
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return dberrors.InvalidArgumentf("type %s has duplicate field %q", r.Name, sorted[i])
		}
	}
	return nil
}

func (cm *CatalogManager) CreateUDType(ctx context.Context, req CreateUDTypeRequest) (*catalog.UDTypeInfo, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	if _, ok := cm.namespaces.Load(req.NamespaceID); !ok {
		return nil, namespaceNotFound(req.NamespaceID)
	}
	for _, ud := range cm.udtypesOf(req.NamespaceID) {
		if ud.Name() == req.Name {
			return nil, dberrors.WithCode(
				dberrors.AlreadyPresentf("type %s already exists in namespace %s", req.Name, req.NamespaceID),
				dberrors.CodeObjectAlreadyPresent)
		}
	}

	id := types.UDTypeID(newID())
	ud := catalog.NewUDTypeInfo(id, nil)
	l := ud.LockForWrite()
	defer l.Unlock()
	l.Data().Name = req.Name
	l.Data().NamespaceID = req.NamespaceID
	l.Data().FieldNames = slices.Clone(req.FieldNames)
	l.Data().FieldTypes = slices.Clone(req.FieldTypes)

	if err := cm.sys.Upsert(ctx, syscatalog.UDType(id, l.Data())); err != nil {
		return nil, err
	}
	l.Commit()

	cm.udtypes.Store(id, ud)
	slog.Info("created type", "type", ud)
	return ud, nil
}

func (cm *CatalogManager) GetUDType(id types.UDTypeID) (*catalog.UDTypeInfo, error) {
	ud, ok := cm.udtypes.Load(id)
	if !ok {
		return nil, objectNotFound("type", string(id))
	}
	return ud, nil
}

// ListUDTypes returns the types of namespace ns, or of every namespace when ns is empty.
func (cm *CatalogManager) ListUDTypes(ns types.NamespaceID) []*catalog.UDTypeInfo {
	if ns != "" {
		return cm.udtypesOf(ns)
	}
	var out []*catalog.UDTypeInfo
	cm.udtypes.Range(func(_ types.UDTypeID, ud *catalog.UDTypeInfo) bool {
		out = append(out, ud)
		return true
	})
	return out
}

func (cm *CatalogManager) DeleteUDType(ctx context.Context, id types.UDTypeID) error {
	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	ud, ok := cm.udtypes.Load(id)
	if !ok {
		return objectNotFound("type", string(id))
	}
	if err := cm.sys.Delete(ctx, syscatalog.UDType(id, nil)); err != nil {
		return err
	}
	cm.udtypes.Delete(id)
	slog.Info("deleted type", "type", ud)
	return nil
}
