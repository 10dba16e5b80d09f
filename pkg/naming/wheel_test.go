package naming

import (
	"testing"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTimeoutWheelSchedulesAndDrains(t *testing.T) {
	now := time.Now()
	w := newTimeoutWheel(now)

	key := types.InstanceKey{IP: "10.0.0.1", Port: 8080}
	w.schedule(InstanceTimeout{Key: key, Deadline: now.Add(300 * time.Millisecond), Kind: timeoutMarkUnhealthy})

	due := w.advance(now.Add(100 * time.Millisecond))
	assert.Empty(t, due)

	due = w.advance(now.Add(400 * time.Millisecond))
	assert.Len(t, due, 1)
	assert.Equal(t, key, due[0].Key)
}

func TestTimeoutWheelNoDueBeforeDeadline(t *testing.T) {
	now := time.Now()
	w := newTimeoutWheel(now)

	key := types.InstanceKey{IP: "10.0.0.2", Port: 8081}
	w.schedule(InstanceTimeout{Key: key, Deadline: now.Add(2 * time.Second), Kind: timeoutRemove})

	due := w.advance(now.Add(500 * time.Millisecond))
	assert.Empty(t, due)
}
