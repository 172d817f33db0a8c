package pending

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabnerd/internal/protocol"
)

func TestNextAllocatesMonotonicIDs(t *testing.T) {
	table := NewTable()
	for want := uint64(1); want <= 5; want++ {
		id, ch := table.Next()
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
		if ch == nil {
			t.Fatal("Next returned nil channel")
		}
	}
	assert.Equal(t, 5, table.Len())
}

func TestResolveRoutesOutOfOrder(t *testing.T) {
	table := NewTable()
	id1, ch1 := table.Next()
	id2, ch2 := table.Next()

	require.True(t, table.Resolve(protocol.Reply{ID: id2, Result: json.RawMessage(`"second"`)}))
	require.True(t, table.Resolve(protocol.Reply{ID: id1, Result: json.RawMessage(`"first"`)}))

	assert.Equal(t, json.RawMessage(`"first"`), (<-ch1).Result)
	assert.Equal(t, json.RawMessage(`"second"`), (<-ch2).Result)
	assert.Equal(t, 0, table.Len())
}

func TestResolveUnknownIDReportsFalse(t *testing.T) {
	table := NewTable()
	assert.False(t, table.Resolve(protocol.Reply{ID: 42}))
}

func TestResolveIsExactlyOnce(t *testing.T) {
	table := NewTable()
	id, ch := table.Next()

	require.True(t, table.Resolve(protocol.Reply{ID: id}))
	assert.False(t, table.Resolve(protocol.Reply{ID: id}), "second delivery must find no entry")

	<-ch
	select {
	case r := <-ch:
		t.Fatalf("waiter received a second reply: %+v", r)
	default:
	}
}

func TestForgetDropsWaiter(t *testing.T) {
	table := NewTable()
	id, _ := table.Next()

	table.Forget(id)
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Resolve(protocol.Reply{ID: id}), "forgotten id must behave like a late reply")

	// Forget after resolve is a no-op, matching the deferred-cleanup pattern
	// callers use.
	id2, _ := table.Next()
	require.True(t, table.Resolve(protocol.Reply{ID: id2}))
	table.Forget(id2)
	assert.Equal(t, 0, table.Len())
}

func TestConcurrentCallersEachGetOwnReply(t *testing.T) {
	table := NewTable()
	const callers = 64

	ids := make(chan uint64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch := table.Next()
			ids <- id
			reply := <-ch
			var got uint64
			if err := json.Unmarshal(reply.Result, &got); err != nil {
				t.Errorf("bad reply payload: %v", err)
				return
			}
			if got != id {
				t.Errorf("caller %d received reply for %d", id, got)
			}
		}()
	}

	for i := 0; i < callers; i++ {
		id := <-ids
		if !table.Resolve(protocol.Reply{ID: id, Result: json.RawMessage(fmt.Sprintf("%d", id))}) {
			t.Errorf("resolve %d found no waiter", id)
		}
	}
	wg.Wait()
	assert.Equal(t, 0, table.Len())
}
