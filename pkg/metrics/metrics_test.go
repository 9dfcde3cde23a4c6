package metrics

import "testing"

func TestIncCounterAccumulates(t *testing.T) {
	m := NewMemory()
	m.IncCounter("puts_total", nil, 1)
	m.IncCounter("puts_total", nil, 2)
	if got := m.Counter("puts_total", nil); got != 3 {
		t.Fatalf("Counter = %v, want 3", got)
	}
}

func TestLabelsDistinguishSeries(t *testing.T) {
	m := NewMemory()
	m.IncCounter("ops_total", map[string]string{"op": "get"}, 1)
	m.IncCounter("ops_total", map[string]string{"op": "put"}, 5)

	if got := m.Counter("ops_total", map[string]string{"op": "get"}); got != 1 {
		t.Fatalf("get series = %v, want 1", got)
	}
	if got := m.Counter("ops_total", map[string]string{"op": "put"}); got != 5 {
		t.Fatalf("put series = %v, want 5", got)
	}
}

func TestSetGaugeOverwrites(t *testing.T) {
	m := NewMemory()
	m.SetGauge("wal_size_bytes", nil, 100)
	m.SetGauge("wal_size_bytes", nil, 42)
	if got := m.Gauge("wal_size_bytes", nil); got != 42 {
		t.Fatalf("Gauge = %v, want 42", got)
	}
}

func TestNoopDiscardsEverything(t *testing.T) {
	c := Noop()
	c.IncCounter("x", nil, 1)
	c.SetGauge("y", nil, 1)
}
