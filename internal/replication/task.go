package replication

import (
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
)

type task struct {
	spec system.TaskSpec
	fn   kernel.TaskFunc
}

func schedule(k *kernel.Kernel, tasks []task) error {
	for _, t := range tasks {
		if _, err := k.Schedule(t.spec, t.fn); err != nil {
			return err
		}
	}
	return nil
}
