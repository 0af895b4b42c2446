package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type fakeRegenerator struct {
	mu    sync.Mutex
	calls int
	fail  int
	last  []Alert
}

func (f *fakeRegenerator) RegenerateAlerts(ctx context.Context, snapshot []Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = snapshot
	if f.fail > 0 {
		f.fail--
		return errors.New("disk full")
	}
	return nil
}

func (f *fakeRegenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func payloadOf(entries ...WebhookAlert) *WebhookPayload {
	return &WebhookPayload{Version: "4", Status: "firing", Receiver: "opsbridge", Alerts: entries}
}

// --- Ingest ---

func TestIngester_Ingest_AppliesBatch(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)

	applied, err := ing.Ingest(payloadOf(firingEntry("abc123")))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, ing.Store().Len())
}

func TestIngester_Ingest_EmptyBatch(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)

	_, err := ing.Ingest(payloadOf())
	assert.Error(t, err)
}

func TestIngester_Ingest_InvalidEntryRejectsWholeBatch(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)

	_, err := ing.Ingest(payloadOf(firingEntry("ok"), firingEntry("")))
	require.Error(t, err)
	assert.Equal(t, 0, ing.Store().Len())
}

// --- debounced regeneration ---

func TestIngester_Run_CoalescesBursts(t *testing.T) {
	regen := &fakeRegenerator{}
	ing := NewIngester(NewStore(time.Hour), regen, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ing.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		_, err := ing.Ingest(payloadOf(firingEntry(string(rune('a' + i)))))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return regen.callCount() >= 1 }, time.Second, 10*time.Millisecond)
	// Give any stray second run a chance to appear, then confirm the
	// burst collapsed into one regeneration.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, regen.callCount())

	cancel()
	<-done
}

func TestIngester_Run_RetriesFailedRegeneration(t *testing.T) {
	regen := &fakeRegenerator{fail: 2}
	ing := NewIngester(NewStore(time.Hour), regen, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ing.Run(ctx) }()

	_, err := ing.Ingest(payloadOf(firingEntry("abc123")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return regen.callCount() >= 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestIngester_Run_StopsOnCancel(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), &fakeRegenerator{}, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ing.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ingester did not stop on cancel")
	}
}

// --- synthetic injection ---

func TestIngester_InjectSynthetic(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)

	injected, err := ing.InjectSynthetic()
	require.NoError(t, err)

	assert.Equal(t, StatusFiring, injected.Status)
	assert.Equal(t, "OpsbridgeSyntheticAlert", injected.Name())
	assert.Equal(t, "opsbridge", injected.Service())

	firing := ing.Store().Firing()
	require.Len(t, firing, 1)
	assert.Equal(t, injected.Fingerprint, firing[0].Fingerprint)
}

func TestIngester_InjectSynthetic_UniqueFingerprints(t *testing.T) {
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)

	a, err := ing.InjectSynthetic()
	require.NoError(t, err)
	b, err := ing.InjectSynthetic()
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, 2, ing.Store().Len())
}
