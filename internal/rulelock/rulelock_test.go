package rulelock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) *DirLocker {
	t.Helper()
	d, err := NewDirLocker(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestAcquireReleaseCycle(t *testing.T) {
	d := newLocker(t)

	lock, err := d.TryAcquire("LS8 BPF")
	require.NoError(t, err)
	assert.Equal(t, "LS8 BPF", lock.Rule)
	assert.NotEmpty(t, lock.Holder)

	_, err = d.TryAcquire("LS8 BPF")
	assert.ErrorIs(t, err, ErrBusy)

	// A different rule is unaffected.
	other, err := d.TryAcquire("LS8 TLE")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())
	lock2, err := d.TryAcquire("LS8 BPF")
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	d := newLocker(t)
	lock, err := d.TryAcquire("water vapour")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestExactlyOneWinner(t *testing.T) {
	d := newLocker(t)

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		busy int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := d.TryAcquire("modis gdas")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				t.Cleanup(func() { lock.Release() })
				return
			}
			if err == ErrBusy {
				busy++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, busy)
}

func TestStaleLockFromDeadProcessIsReclaimed(t *testing.T) {
	d := newLocker(t)
	host, _ := os.Hostname()

	// A pid far above any plausible live process.
	m := marker{Holder: "x", PID: 1 << 27, Hostname: host, Rule: "npp luts", AcquiredAt: time.Now()}
	b, err := json.Marshal(&m)
	require.NoError(t, err)
	path := filepath.Join(d.dir, "npp-luts.lck")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	lock, err := d.TryAcquire("NPP LUTS")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestConcurrentStaleReclaimYieldsOneWinner(t *testing.T) {
	d := newLocker(t)
	host, _ := os.Hostname()

	m := marker{Holder: "x", PID: 1 << 27, Hostname: host, Rule: "modis gdas", AcquiredAt: time.Now()}
	b, err := json.Marshal(&m)
	require.NoError(t, err)
	path := filepath.Join(d.dir, "modis-gdas.lck")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	// Every caller observes the same stale marker; the slower reclaimers
	// must not delete the winner's fresh marker out from under it.
	const callers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := d.TryAcquire("modis gdas")
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				t.Cleanup(func() { lock.Release() })
				return
			}
			assert.ErrorIs(t, err, ErrBusy)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, won)

	// The winner's marker is intact and keeps excluding later callers.
	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = d.TryAcquire("modis gdas")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestForeignHostLockIsNeverReclaimed(t *testing.T) {
	d := newLocker(t)

	m := marker{Holder: "x", PID: 1 << 27, Hostname: "some-other-host", Rule: "npp luts", AcquiredAt: time.Now()}
	b, err := json.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.dir, "npp-luts.lck"), b, 0o644))

	_, err = d.TryAcquire("NPP LUTS")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestUnreadableMarkerTreatedAsHeld(t *testing.T) {
	d := newLocker(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.dir, "r.lck"), []byte("not json"), 0o644))

	_, err := d.TryAcquire("r")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "ls8-bpf", SanitizeName("LS8 BPF"))
	assert.Equal(t, "s-me-one", SanitizeName("s@me One"))
	assert.Equal(t, "some-one", SanitizeName("some one"))
}
