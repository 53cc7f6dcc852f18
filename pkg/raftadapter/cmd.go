package raftadapter

import (
	"github.com/google/uuid"

	"metacat/pkg/syscatalog"
)

// Cmd is one replicated sys catalog batch. ID pairs a committed entry with
// the proposal waiting for it.
type Cmd struct {
	ID        uuid.UUID             `json:"id"`
	Mutations []syscatalog.Mutation `json:"mutations"`
}

func NewCmd(muts []syscatalog.Mutation) Cmd {
	return Cmd{
		ID:        uuid.New(),
		Mutations: muts,
	}
}
