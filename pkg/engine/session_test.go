package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSessionIsCached(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)
	ctx := context.Background()

	s1, err := c.EnsureSession(ctx)
	require.NoError(t, err)
	s2, err := c.EnsureSession(ctx)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, GlobalHandle, s1.Handle)
	assert.Equal(t, "12.2015.0", s1.EngineVersion)
	assert.Equal(t, "/app/engineData", s1.Endpoint.Path)
	assert.Equal(t, 1, f.count("EngineVersion"))
	assert.Equal(t, 1, f.connections())
}

func TestEnsureDocumentCachesHandle(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)
	ctx := context.Background()

	d1, err := c.EnsureDocument(ctx, "app-sales")
	require.NoError(t, err)
	before := f.totalCalls()

	d2, err := c.EnsureDocument(ctx, "app-sales")
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, before, f.totalCalls(), "cached handle must cost no engine calls")
	assert.Equal(t, 1, f.count("OpenDoc"))
	assert.Positive(t, d1.Handle)
}

func TestEnsureDocumentConcurrentOpensOnce(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)

	var wg sync.WaitGroup
	handles := make([]int, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.EnsureDocument(context.Background(), "app-sales")
			if err == nil {
				handles[i] = d.Handle
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.count("OpenDoc"))
	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
}

func TestEnsureDocumentRecoversAlreadyOpen(t *testing.T) {
	app := salesApp()
	app.ReportAlreadyOpen = true
	f := newFakeEngine(t, app)
	c := f.client(t)

	d, err := c.EnsureDocument(context.Background(), "app-sales")
	require.NoError(t, err, "already-open must never surface")
	assert.Positive(t, d.Handle)
	assert.Equal(t, 1, f.count("OpenDoc"))
	assert.Equal(t, 2, f.count("GetActiveDoc"))

	script, err := c.Script(context.Background(), "app-sales")
	require.NoError(t, err)
	assert.Contains(t, script.Script, "LOAD")
}

func TestEnsureDocumentUnknownApp(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)

	_, err := c.EnsureDocument(context.Background(), "no-such-app")
	require.ErrorIs(t, err, ErrDocumentOpenFailed)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 1003, e.Code)
	assert.Contains(t, e.Reason, "App not found")

	_, err = c.EnsureDocument(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidQuerySpec)
}

func TestConnectionLossDropsHandlesAndReconnects(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)
	ctx := context.Background()

	_, err := c.Script(ctx, "app-sales")
	require.NoError(t, err)

	f.dropConnectionOn("GetScript")
	_, err = c.Script(ctx, "app-sales")
	require.ErrorIs(t, err, ErrConnectionLost)

	res, err := c.Script(ctx, "app-sales")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Script)
	assert.Equal(t, 2, f.connections())
	assert.Equal(t, 2, f.count("OpenDoc"), "handles from the dead session must not be reused")
}

func TestCloseForgetsSession(t *testing.T) {
	f := newFakeEngine(t, salesApp())
	c := f.client(t)

	_, err := c.EnsureDocument(context.Background(), "app-sales")
	require.NoError(t, err)
	require.NotNil(t, c.Session())
	require.NoError(t, c.Close())
	assert.Nil(t, c.Session())
}
