package cluster

// SelectReplicas picks rf servers for a new tablet round robin, starting at
// seed. Fewer than rf servers are returned when not enough are live.
func SelectReplicas(live []*TSDescriptor, rf int, seed int) []*TSDescriptor {
	res := make([]*TSDescriptor, 0, rf)
	if len(live) == 0 || rf <= 0 {
		return res
	}
	if seed < 0 {
		seed = -seed
	}
	start := seed % len(live)
	for i := 0; i < rf && i < len(live); i++ {
		idx := (start + i) % len(live)
		res = append(res, live[idx])
	}
	return res
}
