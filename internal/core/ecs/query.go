package ecs

// Each2 iterates over entities that have both value A and B.
// It walks the smaller pool's dense array and probes the larger one.
func Each2[A, B any](pa *Pool[A], pb *Pool[B], fn func(EntityID, *A, *B)) {
	if pa.Len() <= pb.Len() {
		for i := range pa.dense {
			id := pa.ids[i]
			if d, ok := pb.Index(id); ok {
				fn(id, &pa.dense[i], &pb.dense[d])
			}
		}
		return
	}
	for i := range pb.dense {
		id := pb.ids[i]
		if d, ok := pa.Index(id); ok {
			fn(id, &pa.dense[d], &pb.dense[i])
		}
	}
}
