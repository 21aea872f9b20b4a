package covers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrien-f/covers/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSetDisjointSetsDoNotBlock(t *testing.T) {
	l := newLockSet()
	a := l.acquire([]ident.Identifier{ident.ISBN("1"), ident.OCLC("1")})
	defer a.release()

	done := make(chan struct{})
	go func() {
		b := l.acquire([]ident.Identifier{ident.ISBN("2"), ident.UPC("1")})
		b.release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquiring a disjoint set blocked")
	}
}

func TestLockSetOverlapWaitsForRelease(t *testing.T) {
	l := newLockSet()
	a := l.acquire([]ident.Identifier{ident.ISBN("1"), ident.OCLC("1")})

	var acquired atomic.Bool
	done := make(chan *heldLock)
	go func() {
		b := l.acquire([]ident.Identifier{ident.OCLC("1"), ident.LCCN("9")})
		acquired.Store(true)
		done <- b
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "an overlapping set must wait")

	a.release()
	b := <-done
	assert.Greater(t, b.waited, time.Duration(0))
	assert.Equal(t, 2, l.size())
	b.release()
	assert.Equal(t, 0, l.size())
}

func TestLockSetIsAllOrNothing(t *testing.T) {
	l := newLockSet()
	a := l.acquire([]ident.Identifier{ident.ISBN("2")})

	done := make(chan struct{})
	go func() {
		b := l.acquire([]ident.Identifier{ident.ISBN("1"), ident.ISBN("2")})
		b.release()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	// ISBN 1 must not have been taken while waiting for ISBN 2
	c := l.acquire([]ident.Identifier{ident.ISBN("1")})
	c.release()

	a.release()
	<-done
	assert.Equal(t, 0, l.size())
}

func TestLockSetDeduplicatesAndReleasesOnce(t *testing.T) {
	l := newLockSet()
	h := l.acquire([]ident.Identifier{ident.ISBN("1"), ident.ISBN("1")})
	assert.Equal(t, 1, l.size())
	assert.Zero(t, h.waited)

	other := l.acquire([]ident.Identifier{ident.ISBN("2")})
	h.release()
	h.release()
	assert.Equal(t, 1, l.size(), "a second release must not drop identifiers held by others")
	other.release()
	assert.Equal(t, 0, l.size())
}

func TestLockSetMutualExclusion(t *testing.T) {
	l := newLockSet()
	ids := []ident.Identifier{ident.ISBN("1")}

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := l.acquire(ids)
			defer h.release()
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, l.size())
}
