// Package seq implements the named-task bring-up sequence.
//
// A sequence is assembled once per target family: a generic base procedure
// that family code customizes with structural edits (insert, wrap, replace)
// before it runs. Edits are validated when made, so a misspelled anchor
// fails at composition time rather than mid-bring-up.
package seq

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Sequence struct {
	tasks   []Task
	started bool
}

// New creates a sequence from the given tasks. Task names must be unique.
func New(tasks ...Task) (*Sequence, error) {
	s := &Sequence{}
	if err := s.InsertAfter("", tasks...); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *Sequence) indexOf(name string) int {
	for i, t := range s.tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (s *Sequence) HasTask(name string) bool {
	return s.indexOf(name) >= 0
}

// Names returns the task names in execution order.
func (s *Sequence) Names() []string {
	res := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		res = append(res, t.Name)
	}
	return res
}

func (s *Sequence) checkEdit(tasks []Task) error {
	if s.started {
		return errors.Errorf("sequence already executing")
	}
	for i, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return errors.Errorf("task %d must have a name and a body", i)
		}
		if s.HasTask(t.Name) {
			return errors.AlreadyExistsf("task %q", t.Name)
		}
		for _, t2 := range tasks[:i] {
			if t2.Name == t.Name {
				return errors.AlreadyExistsf("task %q", t.Name)
			}
		}
	}
	return nil
}

func (s *Sequence) insert(at int, tasks []Task) {
	s.tasks = append(s.tasks[:at], append(append([]Task{}, tasks...), s.tasks[at:]...)...)
}

// InsertBefore inserts tasks immediately before the named anchor task.
func (s *Sequence) InsertBefore(anchor string, tasks ...Task) error {
	i := s.indexOf(anchor)
	if i < 0 {
		return errors.NotFoundf("task %q", anchor)
	}
	if err := s.checkEdit(tasks); err != nil {
		return errors.Trace(err)
	}
	s.insert(i, tasks)
	return nil
}

// InsertAfter inserts tasks immediately after the named anchor task.
// An empty anchor appends at the end.
func (s *Sequence) InsertAfter(anchor string, tasks ...Task) error {
	at := len(s.tasks)
	if anchor != "" {
		i := s.indexOf(anchor)
		if i < 0 {
			return errors.NotFoundf("task %q", anchor)
		}
		at = i + 1
	}
	if err := s.checkEdit(tasks); err != nil {
		return errors.Trace(err)
	}
	s.insert(at, tasks)
	return nil
}

// ReplaceTask swaps the named task for another, keeping its position.
// If the replacement has no name, the original name is kept.
func (s *Sequence) ReplaceTask(name string, task Task) error {
	i := s.indexOf(name)
	if i < 0 {
		return errors.NotFoundf("task %q", name)
	}
	if s.started {
		return errors.Errorf("sequence already executing")
	}
	if task.Run == nil {
		return errors.Errorf("replacement for %q must have a body", name)
	}
	if task.Name == "" {
		task.Name = name
	}
	if task.Name != name && s.HasTask(task.Name) {
		return errors.AlreadyExistsf("task %q", task.Name)
	}
	s.tasks[i] = task
	return nil
}

// WrapTask passes the named task to wrap and installs the result in its
// place. The wrapper may invoke the inner task's Run to add logic around it.
func (s *Sequence) WrapTask(name string, wrap func(inner Task) Task) error {
	i := s.indexOf(name)
	if i < 0 {
		return errors.NotFoundf("task %q", name)
	}
	if s.started {
		return errors.Errorf("sequence already executing")
	}
	task := wrap(s.tasks[i])
	if task.Run == nil {
		return errors.Errorf("wrapper for %q must produce a body", name)
	}
	if task.Name == "" {
		task.Name = name
	}
	if task.Name != name && s.HasTask(task.Name) {
		return errors.AlreadyExistsf("task %q", task.Name)
	}
	s.tasks[i] = task
	return nil
}

// Execute runs the tasks strictly in order. The first failure stops
// execution and is returned annotated with the failing task's name.
func (s *Sequence) Execute(ctx context.Context) error {
	s.started = true
	for _, t := range s.tasks {
		glog.V(1).Infof("task %s", t.Name)
		if err := t.Run(ctx); err != nil {
			return errors.Annotatef(err, "task %q failed", t.Name)
		}
	}
	return nil
}
