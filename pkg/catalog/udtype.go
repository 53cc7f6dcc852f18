package catalog

import (
	"fmt"
	"slices"
	"strings"

	"metacat/pkg/types"
)

type PersistentUDTypeInfo struct {
	Name        string            `json:"name"`
	NamespaceID types.NamespaceID `json:"namespace_id"`
	FieldNames  []string          `json:"field_names"`
	FieldTypes  []string          `json:"field_types"`
}

func (p *PersistentUDTypeInfo) Clone() *PersistentUDTypeInfo {
	c := *p
	c.FieldNames = slices.Clone(p.FieldNames)
	c.FieldTypes = slices.Clone(p.FieldTypes)
	return &c
}

// UDTypeInfo is a user-defined type of a namespace.
type UDTypeInfo struct {
	id   types.UDTypeID
	meta *VersionedRecord[*PersistentUDTypeInfo]
}

func NewUDTypeInfo(id types.UDTypeID, meta *PersistentUDTypeInfo) *UDTypeInfo {
	if meta == nil {
		meta = &PersistentUDTypeInfo{}
	}
	return &UDTypeInfo{id: id, meta: NewVersionedRecord(meta)}
}

func (u *UDTypeInfo) ID() types.UDTypeID { return u.id }

func (u *UDTypeInfo) LockForRead() ReadLock[*PersistentUDTypeInfo] { return u.meta.LockForRead() }

func (u *UDTypeInfo) LockForWrite() *WriteLock[*PersistentUDTypeInfo] { return u.meta.LockForWrite() }

func (u *UDTypeInfo) Name() string { return u.LockForRead().Data().Name }

func (u *UDTypeInfo) NamespaceID() types.NamespaceID { return u.LockForRead().Data().NamespaceID }

func (u *UDTypeInfo) FieldNamesSize() int { return len(u.LockForRead().Data().FieldNames) }

func (u *UDTypeInfo) FieldName(i int) string { return u.LockForRead().Data().FieldNames[i] }

func (u *UDTypeInfo) FieldTypesSize() int { return len(u.LockForRead().Data().FieldTypes) }

func (u *UDTypeInfo) FieldType(i int) string { return u.LockForRead().Data().FieldTypes[i] }

func (u *UDTypeInfo) String() string {
	data := u.LockForRead().Data()
	fields := make([]string, len(data.FieldNames))
	for i, name := range data.FieldNames {
		typ := ""
		if i < len(data.FieldTypes) {
			typ = data.FieldTypes[i]
		}
		fields[i] = name + " " + typ
	}
	return fmt.Sprintf("%s [id=%s] {namespace=%s fields=(%s)}",
		data.Name, u.id, data.NamespaceID, strings.Join(fields, ", "))
}
