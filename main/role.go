package main

// Role is resolved once from the process rank and handed to every stage.
type Role int

const (
	RoleWorker Role = iota
	RoleHead
)

func RoleForRank(rank int) Role {
	if rank == 0 {
		return RoleHead
	}
	return RoleWorker
}

func (r Role) IsHead() bool { return r == RoleHead }

func (r Role) String() string {
	if r == RoleHead {
		return "head"
	}
	return "worker"
}
