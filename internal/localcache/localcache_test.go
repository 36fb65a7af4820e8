package localcache

import "testing"

func TestPutGetRemove(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("k1", []byte("hello"))
	got, ok := c.Get("k1")
	if !ok || string(got) != "hello" {
		t.Fatalf("Get(k1) = %q, %v", got, ok)
	}

	c.Remove("k1")
	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected miss after Remove")
	}
}

func TestEvictsByEntryCount(t *testing.T) {
	c, err := New(2, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3")) // evicts "a"

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected b to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestEvictsByByteBudget(t *testing.T) {
	c, err := New(100, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("a", make([]byte, 6))
	c.Put("b", make([]byte, 6)) // pushes total to 12 > budget of 10, evicts "a"

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a evicted for exceeding byte budget")
	}
	if c.Bytes() > 10 {
		t.Fatalf("Bytes = %d, want <= 10", c.Bytes())
	}
}

func TestPutOverwriteUpdatesBytesWithoutDoubleCounting(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("k", make([]byte, 5))
	c.Put("k", make([]byte, 8))
	if c.Bytes() != 8 {
		t.Fatalf("Bytes = %d, want 8", c.Bytes())
	}
}
