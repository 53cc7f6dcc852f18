package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"metacat/pkg/catalog"
	"metacat/pkg/dberrors"
)

func TestNamespaceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ns := env.createNamespace(t, "shop")
	require.Equal(t, catalog.NamespaceRunning, ns.State())
	require.Equal(t, catalog.DatabaseYSQL, ns.DatabaseType())

	_, err := env.cm.CreateNamespace(ctx, CreateNamespaceRequest{Name: "shop"})
	require.ErrorIs(t, err, dberrors.ErrAlreadyPresent)
	require.Equal(t, dberrors.CodeNamespaceAlreadyPresent, dberrors.CodeOf(err))

	_, err = env.cm.CreateNamespace(ctx, CreateNamespaceRequest{Name: "  "})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	got, err := env.cm.GetNamespace(ns.ID())
	require.NoError(t, err)
	require.Same(t, ns, got)
	got, err = env.cm.GetNamespaceByName("shop")
	require.NoError(t, err)
	require.Same(t, ns, got)
	require.Len(t, env.cm.ListNamespaces(), 1)

	table := env.createTable(t, ns.ID(), "orders", 1)
	err = env.cm.DeleteNamespace(ctx, ns.ID())
	require.ErrorIs(t, err, dberrors.ErrIllegalState)
	require.Equal(t, dberrors.CodeNamespaceIsNotEmpty, dberrors.CodeOf(err))

	// no replica reported, so the table is gone right away
	require.NoError(t, env.cm.DeleteTable(ctx, table.ID()))
	require.Equal(t, catalog.TableDeleted, tableState(table))

	require.NoError(t, env.cm.DeleteNamespace(ctx, ns.ID()))
	_, err = env.cm.GetNamespace(ns.ID())
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	require.Equal(t, dberrors.CodeNamespaceNotFound, dberrors.CodeOf(err))
	require.Empty(t, env.cm.ListNamespaces())

	err = env.cm.DeleteNamespace(ctx, ns.ID())
	require.Equal(t, dberrors.CodeNamespaceNotFound, dberrors.CodeOf(err))
}

func TestNamespaceDefaultsToYCQL(t *testing.T) {
	env := newTestEnv(t)
	ns, err := env.cm.CreateNamespace(context.Background(), CreateNamespaceRequest{Name: "ks"})
	require.NoError(t, err)
	require.Equal(t, catalog.DatabaseYCQL, ns.DatabaseType())
}

func TestUDTypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")

	req := CreateUDTypeRequest{
		NamespaceID: ns.ID(),
		Name:        "address",
		FieldNames:  []string{"street", "zip"},
		FieldTypes:  []string{"text", "int"},
	}
	ud, err := env.cm.CreateUDType(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, ud.FieldNamesSize())
	require.Equal(t, "zip", ud.FieldName(1))
	require.Equal(t, "int", ud.FieldType(1))

	_, err = env.cm.CreateUDType(ctx, req)
	require.ErrorIs(t, err, dberrors.ErrAlreadyPresent)
	require.Equal(t, dberrors.CodeObjectAlreadyPresent, dberrors.CodeOf(err))

	bad := req
	bad.Name = "other"
	bad.FieldTypes = []string{"text"}
	_, err = env.cm.CreateUDType(ctx, bad)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	bad.FieldNames = []string{"a", "a"}
	bad.FieldTypes = []string{"text", "int"}
	_, err = env.cm.CreateUDType(ctx, bad)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	bad = req
	bad.NamespaceID = "missing"
	_, err = env.cm.CreateUDType(ctx, bad)
	require.Equal(t, dberrors.CodeNamespaceNotFound, dberrors.CodeOf(err))

	require.Len(t, env.cm.ListUDTypes(ns.ID()), 1)
	require.Len(t, env.cm.ListUDTypes(""), 1)

	err = env.cm.DeleteNamespace(ctx, ns.ID())
	require.Equal(t, dberrors.CodeNamespaceIsNotEmpty, dberrors.CodeOf(err))

	require.NoError(t, env.cm.DeleteUDType(ctx, ud.ID()))
	_, err = env.cm.GetUDType(ud.ID())
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	require.Equal(t, dberrors.CodeObjectNotFound, dberrors.CodeOf(err))
	require.NoError(t, env.cm.DeleteNamespace(ctx, ns.ID()))
}

func TestFailedWriteLeavesCatalogUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")

	env.repl.fail.Store(true)
	_, err := env.cm.CreateNamespace(ctx, CreateNamespaceRequest{Name: "other"})
	require.ErrorContains(t, err, "no quorum")
	_, err = env.cm.CreateTable(ctx, CreateTableRequest{NamespaceID: ns.ID(), Name: "orders", Schema: testSchema()})
	require.ErrorContains(t, err, "no quorum")
	require.Error(t, env.cm.DeleteNamespace(ctx, ns.ID()))

	require.Len(t, env.cm.ListNamespaces(), 1)
	require.Empty(t, env.cm.ListTables(""))
	require.Equal(t, catalog.NamespaceRunning, ns.State())

	env.repl.fail.Store(false)
	env.createTable(t, ns.ID(), "orders", 2)
	require.Len(t, env.cm.ListTables(ns.ID()), 1)
}
