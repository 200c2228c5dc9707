package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickReturnsNilWhenEmpty(t *testing.T) {
	s := NewScheduler()
	assert.Nil(t, s.Pick())
}

func TestPickPrefersLeastLoadedFirstRegisteredOnTie(t *testing.T) {
	s := NewScheduler()
	a := &Node{ID: "a"}
	b := &Node{ID: "b"}
	s.AddNode(a)
	s.AddNode(b)

	// Both at zero tasks: tie broken by first-registered.
	assert.Same(t, a, s.Pick())

	a.Accepted(&TaskHandle{TaskID: 1, Priority: 1})
	assert.Same(t, b, s.Pick())

	b.Accepted(&TaskHandle{TaskID: 2, Priority: 1})
	b.Accepted(&TaskHandle{TaskID: 3, Priority: 1})
	assert.Same(t, a, s.Pick())
}

func TestRemoveNodeExcludesFromPick(t *testing.T) {
	s := NewScheduler()
	a := &Node{ID: "a"}
	b := &Node{ID: "b"}
	s.AddNode(a)
	s.AddNode(b)
	s.RemoveNode(a)
	assert.Same(t, b, s.Pick())
}

func TestAcceptedAndReclaimedTrackCounters(t *testing.T) {
	n := &Node{}
	task := &TaskHandle{TaskID: 7, Priority: 3}
	n.Accepted(task)
	assert.Equal(t, 1, n.TaskCount())

	n.Reclaimed(task.TaskID)
	assert.Equal(t, 0, n.TaskCount())

	// Reclaiming an unknown task id is a no-op, not a panic or underflow.
	n.Reclaimed(999)
	assert.Equal(t, 0, n.TaskCount())
}
