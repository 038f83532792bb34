package socketio

import (
	"fmt"
	"testing"
)

func TestConnectionLimiterLoopbackAlwaysAllowed(t *testing.T) {
	cl := NewConnectionLimiter(1)

	addrs := []string{"127.0.0.1", "127.0.0.1:50312", "::1", "[::1]:4000", "::ffff:127.0.0.1", "localhost"}
	for i, addr := range addrs {
		if evicted := cl.TryAdd(fmt.Sprintf("local-%d", i), addr); evicted != "" {
			t.Errorf("loopback %s should not evict anyone, got %s", addr, evicted)
		}
	}

	total, external := cl.Counts()
	if total != len(addrs) || external != 0 {
		t.Errorf("counts = %d/%d", total, external)
	}
}

func TestConnectionLimiterEvictsOldestExternal(t *testing.T) {
	cl := NewConnectionLimiter(2)

	if got := cl.TryAdd("ext-1", "192.168.1.100:1000"); got != "" {
		t.Errorf("first external evicted %q", got)
	}
	if got := cl.TryAdd("ext-2", "192.168.1.101:1000"); got != "" {
		t.Errorf("second external evicted %q", got)
	}
	if got := cl.TryAdd("ext-3", "192.168.1.102:1000"); got != "ext-1" {
		t.Errorf("expected eviction of ext-1, got %q", got)
	}
	if got := cl.TryAdd("ext-4", "10.0.0.4"); got != "ext-2" {
		t.Errorf("expected eviction of ext-2, got %q", got)
	}
}

func TestConnectionLimiterRemoveFreesSlot(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("ext-1", "192.168.1.100")
	cl.Remove("ext-1")
	cl.Remove("ext-1")

	if got := cl.TryAdd("ext-2", "192.168.1.101"); got != "" {
		t.Errorf("slot should be free after Remove, evicted %q", got)
	}
	if total, external := cl.Counts(); total != 1 || external != 1 {
		t.Errorf("counts = %d/%d", total, external)
	}
}

func TestConnectionLimiterDuplicateAddIsNoop(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("ext-1", "192.168.1.100")
	if got := cl.TryAdd("ext-1", "192.168.1.100"); got != "" {
		t.Errorf("re-adding a client must not evict, got %q", got)
	}
	if _, external := cl.Counts(); external != 1 {
		t.Errorf("external = %d", external)
	}
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter(0)
	for i := 0; i < 10; i++ {
		if got := cl.TryAdd(fmt.Sprintf("ext-%d", i), "203.0.113.9"); got != "" {
			t.Fatalf("unlimited limiter evicted %q", got)
		}
	}
}
