package tools

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainOfEmail(t *testing.T) {
	d, err := DomainOfEmail("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)

	// quoted locals can contain @, the last part is the domain
	d, err = DomainOfEmail(`"odd@local"@example.com`)
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)

	_, err = DomainOfEmail("not-an-address")
	assert.Error(t, err)
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeDomain("Example.COM"))
	assert.Equal(t, "example.com", NormalizeDomain(" example.com. "))
	assert.Equal(t, "", NormalizeDomain("  "))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("example.com")
			counter++
			km.Unlock("example.com")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)

	// entries are removed once released
	assert.False(t, km.Locked("example.com"))
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("a.example.com")
	defer km.Unlock("a.example.com")

	done := make(chan struct{})
	go func() {
		km.Lock("b.example.com")
		km.Unlock("b.example.com")
		close(done)
	}()
	<-done

	assert.True(t, km.Locked("a.example.com"))
	assert.False(t, km.Locked("b.example.com"))
}
