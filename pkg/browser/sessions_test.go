package browser_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/tabmux/pkg/browser"
	"github.com/odvcencio/tabmux/pkg/cdp"
	"github.com/odvcencio/tabmux/pkg/cdp/cdptest"
)

func newTestManager(t *testing.T, fake *cdptest.Browser, cfg browser.ManagerConfig) (*browser.Supervisor, *browser.Manager) {
	t.Helper()
	sup := newTestSupervisor(t, fake)
	return sup, browser.NewManager(sup, cfg, nil, nil)
}

func TestGetOrCreateOpensTab(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "work", sess.Name())
	assert.NotEmpty(t, sess.RecordID())
	assert.Equal(t, 1, fake.CreateCount())
	assert.Contains(t, fake.Targets(), sess.TargetID())
	assert.Equal(t, "work", mgr.Focused(), "new session must take focus")
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	first, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	second, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fake.CreateCount(), "existing session must not open another tab")
}

func TestGetOrCreateConcurrentDedup(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]*browser.Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = mgr.GetOrCreate(context.Background(), "work")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, sessions[0].RecordID(), sessions[i].RecordID())
	}
	assert.Equal(t, 1, fake.CreateCount(), "concurrent creates opened more than one tab")
}

func TestCreateFailureClosesTabDespiteCanceledCaller(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})

	// The caller abandons the create exactly when the attach is attempted,
	// after the tab was already opened.
	ctx, cancel := context.WithCancel(context.Background())
	fake.Handle("Target.attachToTarget", func(string, json.RawMessage) (any, *cdptest.Error) {
		cancel()
		return nil, &cdptest.Error{Code: -32000, Message: "attach rejected"}
	})

	_, err := mgr.GetOrCreate(ctx, "work")
	require.Error(t, err)
	assert.Equal(t, 1, fake.CreateCount())
	assert.Len(t, fake.Targets(), 1, "orphan tab not cleaned up after failed create")
	_, err = mgr.Resolve("work")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
}

func TestValidateName(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})

	valid := []string{"a", "work", "my-session", "a.b_c-d", "UPPER", "0", strings.Repeat("x", 64)}
	for _, name := range valid {
		if err := mgr.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", strings.Repeat("x", 65), "has space", "tab/1", "semi;colon", "uniécode"}
	for _, name := range invalid {
		err := mgr.ValidateName(name)
		if err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
			continue
		}
		assert.ErrorIs(t, err, cdp.ErrInvalidSessionName, "name %q", name)
	}
}

func TestDestroyClosesTab(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	targetID := sess.TargetID()

	require.NoError(t, mgr.Destroy(ctx, "work"))
	assert.NotContains(t, fake.Targets(), targetID, "tab not closed")
	_, err = mgr.Resolve("work")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
	assert.Empty(t, mgr.Focused(), "focus must clear when the focused session dies")
}

func TestDestroyToleratesAlreadyClosedTab(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)

	// Tab dies externally first.
	fake.RemoveTarget(sess.TargetID())
	require.NoError(t, mgr.Destroy(ctx, "work"))
}

func TestDestroyUnknownSession(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})

	err := mgr.Destroy(context.Background(), "nope")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
}

func TestFocus(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	_, err := mgr.GetOrCreate(ctx, "alpha")
	require.NoError(t, err)
	_, err = mgr.GetOrCreate(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", mgr.Focused(), "creation moves focus")

	require.NoError(t, mgr.Focus("alpha"))
	assert.Equal(t, "alpha", mgr.Focused())

	err = mgr.Focus("missing")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
	assert.Equal(t, "alpha", mgr.Focused(), "failed focus must not move focus")
}

func TestResolveFocusedOrDefault(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.ResolveFocusedOrDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, browser.DefaultSessionName, sess.Name())
	assert.Equal(t, browser.DefaultSessionName, mgr.Focused())

	// With a focused session present, it wins over "default".
	named, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	got, err := mgr.ResolveFocusedOrDefault(ctx)
	require.NoError(t, err)
	assert.Same(t, named, got)
}

func TestSyncWithBrowserPrunesOrphans(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	keep, err := mgr.GetOrCreate(ctx, "keep")
	require.NoError(t, err)
	dead, err := mgr.GetOrCreate(ctx, "dead")
	require.NoError(t, err)
	require.NoError(t, mgr.Focus("dead"))

	fake.RemoveTarget(dead.TargetID())

	pruned, err := mgr.SyncWithBrowser(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, pruned)
	assert.Empty(t, mgr.Focused(), "focus must clear when the focused session is pruned")

	_, err = mgr.Resolve("dead")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
	got, err := mgr.Resolve("keep")
	require.NoError(t, err)
	assert.Same(t, keep, got)
}

func TestEnsureValidPrunesDeadTab(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)

	got, err := mgr.EnsureValid(ctx, "work")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	fake.RemoveTarget(sess.TargetID())
	_, err = mgr.EnsureValid(ctx, "work")
	require.ErrorIs(t, err, cdp.ErrSessionNotFound)
	assert.Contains(t, err.Error(), "recreate", "error must tell the caller what to do")

	// The stale record is gone, so the name is free for a fresh session.
	_, err = mgr.Resolve("work")
	assert.ErrorIs(t, err, cdp.ErrSessionNotFound)
}

func TestSessionOutputBoundedByLines(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{OutputMaxLines: 3, OutputMaxBytes: 1 << 20})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		sess.AppendOutput(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-3", "line-4", "line-5"}, sess.Output())
}

func TestSessionOutputBoundedByBytes(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{OutputMaxLines: 1000, OutputMaxBytes: 20})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	sess.AppendOutput(strings.Repeat("a", 15))
	sess.AppendOutput(strings.Repeat("b", 15))
	out := sess.Output()
	require.Len(t, out, 1, "byte bound must evict old lines")
	assert.Equal(t, strings.Repeat("b", 15), out[0])

	// A single oversized line is kept rather than leaving the buffer empty.
	sess.AppendOutput(strings.Repeat("c", 100))
	out = sess.Output()
	require.Len(t, out, 1)
	assert.Equal(t, strings.Repeat("c", 100), out[0])
}

func TestSessionSettings(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})

	sess, err := mgr.GetOrCreate(context.Background(), "work")
	require.NoError(t, err)

	_, ok := sess.Setting("viewport")
	assert.False(t, ok)
	sess.SetSetting("viewport", "1280x800")
	v, ok := sess.Setting("viewport")
	require.True(t, ok)
	assert.Equal(t, "1280x800", v)
}

func TestInfosAnnotatesFocusAndURL(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	sup, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	ps, err := sup.Connect(ctx, sess.TargetID())
	require.NoError(t, err)
	require.NoError(t, ps.Navigate(ctx, "https://example.com"))

	infos := mgr.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "work", infos[0].Name)
	assert.True(t, infos[0].Focused)
	assert.Equal(t, "https://example.com", infos[0].URL)
}

func TestListIsNameSorted(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := mgr.GetOrCreate(ctx, name)
		require.NoError(t, err)
	}
	var names []string
	for _, s := range mgr.List() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestDescribe(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	assert.Equal(t, "no sessions", mgr.Describe())

	alpha, err := mgr.GetOrCreate(ctx, "alpha")
	require.NoError(t, err)
	beta, err := mgr.GetOrCreate(ctx, "beta")
	require.NoError(t, err)

	desc := mgr.Describe()
	assert.Contains(t, desc, "alpha->"+alpha.TargetID())
	assert.Contains(t, desc, "beta*->"+beta.TargetID(), "focused session must carry the marker")
}

func TestLastActiveAdvancesOnUse(t *testing.T) {
	fake := cdptest.New()
	defer fake.Close()
	_, mgr := newTestManager(t, fake, browser.ManagerConfig{})
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "work")
	require.NoError(t, err)
	before := sess.LastActive()

	time.Sleep(5 * time.Millisecond)
	_, err = mgr.Resolve("work")
	require.NoError(t, err)
	assert.True(t, sess.LastActive().After(before), "Resolve must refresh last-activity")
}
