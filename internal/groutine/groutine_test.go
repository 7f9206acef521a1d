package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_NameAndLabels(t *testing.T) {
	type seen struct {
		name  string
		label string
	}
	ch := make(chan seen, 1)

	Go(nil, "worker-42", func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "goroutine_name")
		ch <- seen{name: GetName(ctx), label: label}
	})

	select {
	case s := <-ch:
		assert.Equal(t, "worker-42", s.name)
		assert.Equal(t, "worker-42", s.label)
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	release := make(chan struct{})

	for _, name := range []string{"a", "b", "c"} {
		g.Go(context.Background(), name, func(ctx context.Context) {
			<-release
		})
	}

	assert.False(t, g.WaitTimeout(20*time.Millisecond), "goroutines are still parked")

	close(release)
	assert.True(t, g.WaitTimeout(5*time.Second))
	g.Wait()
}
