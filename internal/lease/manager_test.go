package lease

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telemyapp/aegis-broker/internal/logging"
	"github.com/telemyapp/aegis-broker/internal/model"
)

type mockAuthorizer struct {
	authorizeFn func(node string) (string, bool)
}

func (m mockAuthorizer) Authorize(node string) (string, bool) {
	if m.authorizeFn != nil {
		return m.authorizeFn(node)
	}
	return strings.ToUpper(node), true
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(auth NodeAuthorizer) (*Manager, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(auth, Options{ZombieTimeout: 10 * time.Second, Now: clock.Now, Logger: logging.Discard()})
	return m, clock
}

func TestStaticPortBlocksOtherKeysButNotOwnReconnect(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	static := model.StaticPort(8081)

	p, ok := m.FindFreePort("key-a", static, "N1")
	if !ok || p != 8081 {
		t.Fatalf("expected 8081 free for key-a, got %v ok=%v", p, ok)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "key-a", Node: "N1", Port: p, Ports: static, MaxConns: 1}); !out.Accepted() {
		t.Fatalf("expected key-a accepted, got %s", out)
	}

	if _, ok := m.FindFreePort("key-b", static, "N1"); ok {
		t.Fatal("expected 8081 to be unavailable for key-b on N1")
	}
	if out := m.TryRegister(Claim{Key: "key-b", Display: "key-b", Node: "N1", Port: 8081, Ports: static, MaxConns: 1}); out != OutcomePortInUse {
		t.Fatalf("expected port_in_use for key-b, got %s", out)
	}
	if p, ok := m.FindFreePort("key-b", static, "N2"); !ok || p != 8081 {
		t.Fatalf("expected 8081 free on another node, got %v ok=%v", p, ok)
	}

	if p, ok := m.FindFreePort("key-a", static, "N1"); !ok || p != 8081 {
		t.Fatalf("expected key-a reconnect to reuse 8081, got %v ok=%v", p, ok)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "key-a", Node: "N1", Port: 8081, Ports: static, MaxConns: 1}); !out.Accepted() {
		t.Fatalf("expected key-a reconnect accepted, got %s", out)
	}
}

func TestDynamicRangeNeverReusesLivePorts(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	rng := model.PortConfig{Start: 9000, End: 9002}

	for i, display := range []string{"key-a", "key-a-alias"} {
		p, ok := m.FindFreePort("key-a", rng, "N1")
		if !ok || p != Port(9000+i) {
			t.Fatalf("fetch %d: expected %d, got %v ok=%v", i, 9000+i, p, ok)
		}
		if out := m.TryRegister(Claim{Key: "key-a", Display: display, Node: "N1", Port: p, Ports: rng, MaxConns: 3}); !out.Accepted() {
			t.Fatalf("fetch %d: expected accepted, got %s", i, out)
		}
	}

	p, ok := m.FindFreePort("key-a", rng, "N1")
	if !ok || p != 9002 {
		t.Fatalf("expected third fetch to get 9002, got %v ok=%v", p, ok)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "key-a-third", Node: "N1", Port: p, Ports: rng, MaxConns: 3}); !out.Accepted() {
		t.Fatalf("expected accepted, got %s", out)
	}
	if _, ok := m.FindFreePort("key-a", rng, "N1"); ok {
		t.Fatal("expected exhausted range")
	}
}

func TestDynamicPortHeldBySiblingSessionIsRejected(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	rng := model.PortConfig{Start: 9000, End: 9002}

	if out := m.TryRegister(Claim{Key: "key-a", Display: "one", Node: "N1", Port: 9000, Ports: rng, MaxConns: 3}); !out.Accepted() {
		t.Fatalf("expected accepted, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "two", Node: "N1", Port: 9000, Ports: rng, MaxConns: 3}); out != OutcomePortInUse {
		t.Fatalf("expected port_in_use, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "one", Node: "N1", Port: 9000, Ports: rng, MaxConns: 3}); !out.Accepted() {
		t.Fatalf("expected renewal of the same session to be accepted, got %s", out)
	}
}

func TestKeySingleRejectsOtherSessionsUntilExpiry(t *testing.T) {
	m, clock := newTestManager(mockAuthorizer{})

	first := Claim{Key: "key-a", Display: "x", Node: "N1", Port: 8081, Ports: model.StaticPort(8081), MaxConns: 5, KeySingle: true}
	if out := m.TryRegister(first); !out.Accepted() {
		t.Fatalf("expected first session accepted, got %s", out)
	}
	second := Claim{Key: "key-a", Display: "y", Node: "N2", Port: 8081, Ports: model.StaticPort(8081), MaxConns: 5, KeySingle: true}
	if out := m.TryRegister(second); out != OutcomeSingleSession {
		t.Fatalf("expected single_session rejection, got %s", out)
	}

	clock.Advance(5 * time.Second)
	if out := m.TryRegister(second); out != OutcomeSingleSession {
		t.Fatalf("expected rejection while x is live, got %s", out)
	}

	clock.Advance(6 * time.Second)
	if out := m.TryRegister(second); !out.Accepted() {
		t.Fatalf("expected acceptance once x expired, got %s", out)
	}
}

func TestAliasSingleIsScopedToDisplayName(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	cfg := model.PortConfig{Start: 9000, End: 9010}

	if out := m.TryRegister(Claim{Key: "key-a", Display: "x", Node: "N1", Port: 9000, Ports: cfg, MaxConns: 5, AliasSingle: true}); !out.Accepted() {
		t.Fatalf("expected accepted, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "x", Node: "N2", Port: 9000, Ports: cfg, MaxConns: 5, AliasSingle: true}); out != OutcomeSingleSession {
		t.Fatalf("expected same alias on another node to be rejected, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "y", Node: "N2", Port: 9000, Ports: cfg, MaxConns: 5}); !out.Accepted() {
		t.Fatalf("expected other display name to be accepted, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "x", Node: "N1", Port: 9001, Ports: cfg, MaxConns: 5, AliasSingle: true}); !out.Accepted() {
		t.Fatalf("expected same session to add a port, got %s", out)
	}
}

func TestAliasSingleAcceptedAgainAfterZombieTimeout(t *testing.T) {
	m, clock := newTestManager(mockAuthorizer{})
	cfg := model.PortConfig{Start: 9000, End: 9010}
	claim := func(node string) Claim {
		return Claim{Key: "key-a", Display: "x", Node: node, Port: 9000, Ports: cfg, MaxConns: 5, AliasSingle: true}
	}

	if out := m.TryRegister(claim("N1")); !out.Accepted() {
		t.Fatalf("expected accepted, got %s", out)
	}
	clock.Advance(10 * time.Second)
	if out := m.KeepAlive(claim("N2")); out != OutcomeSingleSession {
		t.Fatalf("expected rejection at exactly the timeout, got %s", out)
	}
	clock.Advance(time.Millisecond)
	if out := m.KeepAlive(claim("N2")); !out.Accepted() {
		t.Fatalf("expected alias to move once the old session expired, got %s", out)
	}
	sessions := m.Sessions("key-a")
	if len(sessions) != 1 || sessions[0].Node != "N2" {
		t.Fatalf("expected only the N2 session, got %+v", sessions)
	}
}

func TestInitPlaceholderIsSuperseded(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})

	if out := m.TryRegister(Claim{Key: "key-a", Display: "key-a", Node: "N1", Port: InitPort, MaxConns: 1}); !out.Accepted() {
		t.Fatalf("expected INIT reservation accepted, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "other", Node: "N2", Port: InitPort, MaxConns: 1}); out != OutcomeNoCapacity {
		t.Fatalf("expected INIT to occupy the only slot, got %s", out)
	}
	if out := m.KeepAlive(Claim{Key: "key-a", Display: "key-a", Node: "N1", Port: 7000, MaxConns: 1, Detail: "1.2.3.4:5555"}); !out.Accepted() {
		t.Fatalf("expected real port to replace INIT, got %s", out)
	}
	sessions := m.Sessions("key-a")
	if len(sessions) != 1 || len(sessions[0].Ports) != 1 {
		t.Fatalf("expected one session with one port, got %+v", sessions)
	}
	if got := sessions[0].Ports[0]; got.Port != 7000 || got.Detail != "1.2.3.4:5555" {
		t.Fatalf("unexpected port entry: %+v", got)
	}
	if !strings.HasPrefix(sessions[0].ID, "ses_") {
		t.Fatalf("unexpected session id: %s", sessions[0].ID)
	}
}

func TestCapacityAcrossSessions(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	cfg := model.PortConfig{Start: 9000, End: 9010}

	for i := 0; i < 2; i++ {
		c := Claim{Key: "key-a", Display: fmt.Sprintf("d%d", i), Node: "N1", Port: Port(9000 + i), Ports: cfg, MaxConns: 2}
		if out := m.TryRegister(c); !out.Accepted() {
			t.Fatalf("registration %d: expected accepted, got %s", i, out)
		}
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "d2", Node: "N2", Port: 9005, Ports: cfg, MaxConns: 2}); out != OutcomeNoCapacity {
		t.Fatalf("expected no_capacity for new session, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "d0", Node: "N1", Port: 9006, Ports: cfg, MaxConns: 2}); out != OutcomeNoCapacity {
		t.Fatalf("expected no_capacity for extra port, got %s", out)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "d0", Node: "N1", Port: 9000, Ports: cfg, MaxConns: 2}); !out.Accepted() {
		t.Fatalf("expected held port to renew at capacity, got %s", out)
	}
}

func TestUnauthorizedNodeRejectedBeforeCapacity(t *testing.T) {
	auth := mockAuthorizer{authorizeFn: func(node string) (string, bool) {
		return "", node == "N1"
	}}
	m, _ := newTestManager(auth)

	if out := m.TryRegister(Claim{Key: "key-a", Display: "key-a", Node: "rogue", Port: 8081, MaxConns: 1}); out != OutcomeUnauthorizedNode {
		t.Fatalf("expected unauthorized_node, got %s", out)
	}
	if out := m.KeepAlive(Claim{Key: "key-a", Display: "key-a", Node: "rogue", Port: 8081, MaxConns: 1}); out != OutcomeUnauthorizedNode {
		t.Fatalf("expected unauthorized_node on heartbeat, got %s", out)
	}
	if st := m.Stats(); st.Ports != 0 {
		t.Fatalf("expected no leases, got %+v", st)
	}
}

func TestReapDropsZombiesAndEmptyTables(t *testing.T) {
	m, clock := newTestManager(mockAuthorizer{})
	cfg := model.PortConfig{Start: 9000, End: 9010}

	m.TryRegister(Claim{Key: "key-a", Display: "a", Node: "N1", Port: 9000, Ports: cfg, MaxConns: 5})
	m.TryRegister(Claim{Key: "key-a", Display: "a", Node: "N1", Port: 9001, Ports: cfg, MaxConns: 5})
	m.TryRegister(Claim{Key: "key-b", Display: "b", Node: "N1", Port: 9005, Ports: cfg, MaxConns: 5})

	clock.Advance(8 * time.Second)
	if out := m.KeepAlive(Claim{Key: "key-a", Display: "a", Node: "N1", Port: 9001, Ports: cfg, MaxConns: 5}); !out.Accepted() {
		t.Fatalf("expected heartbeat accepted, got %s", out)
	}
	clock.Advance(3 * time.Second)

	res := m.Reap()
	if res.Ports != 2 || res.Sessions != 1 || res.Keys != 1 || res.Live != 1 {
		t.Fatalf("unexpected reap result: %+v", res)
	}
	st := m.Stats()
	if st.Keys != 1 || st.Sessions != 1 || st.Ports != 1 {
		t.Fatalf("unexpected stats after reap: %+v", st)
	}
	if p, ok := m.FindFreePort("key-c", cfg, "N1"); !ok || p != 9000 {
		t.Fatalf("expected reaped port 9000 to be free, got %v ok=%v", p, ok)
	}

	clock.Advance(11 * time.Second)
	m.Reap()
	if st := m.Stats(); st.Keys != 0 {
		t.Fatalf("expected all tables retired, got %+v", st)
	}
	if out := m.TryRegister(Claim{Key: "key-a", Display: "a", Node: "N1", Port: 9000, Ports: cfg, MaxConns: 1}); !out.Accepted() {
		t.Fatalf("expected registration after retirement, got %s", out)
	}
}

func TestReleaseScopes(t *testing.T) {
	m, _ := newTestManager(mockAuthorizer{})
	cfg := model.PortConfig{Start: 9000, End: 9010}

	m.TryRegister(Claim{Key: "key-a", Display: "a", Node: "N1", Port: 9000, Ports: cfg, MaxConns: 5})
	m.TryRegister(Claim{Key: "key-a", Display: "alias", Node: "N1", Port: 9001, Ports: cfg, MaxConns: 5})
	m.TryRegister(Claim{Key: "key-a", Display: "a", Node: "N2", Port: 9000, Ports: cfg, MaxConns: 5})

	if freed := m.Release("key-a", "N1", "alias"); freed != 1 {
		t.Fatalf("expected one port freed, got %d", freed)
	}
	if freed := m.Release("key-a", "N1", ""); freed != 1 {
		t.Fatalf("expected remaining N1 port freed, got %d", freed)
	}
	if got := m.LivePorts("key-a"); got != 1 {
		t.Fatalf("expected N2 lease to remain, got %d", got)
	}
	if freed := m.ReleaseKey("key-a"); freed != 1 {
		t.Fatalf("expected force release of 1 port, got %d", freed)
	}
	if freed := m.Release("missing", "N1", ""); freed != 0 {
		t.Fatalf("expected nothing freed for unknown key, got %d", freed)
	}
}

func TestConcurrentRegistrationsRespectCapacity(t *testing.T) {
	m := NewManager(mockAuthorizer{}, Options{ZombieTimeout: time.Minute, Logger: logging.Discard()})
	cfg := model.PortConfig{Start: 10000, End: 10999}

	const keys = 8
	const perKey = 50
	const maxConns = 5
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i := 0; i < perKey; i++ {
			wg.Add(1)
			go func(k, i int) {
				defer wg.Done()
				key := fmt.Sprintf("key-%d", k)
				c := Claim{Key: key, Display: fmt.Sprintf("d%d", i), Node: fmt.Sprintf("N%d", i%3), Port: Port(10000 + k*100 + i), Ports: cfg, MaxConns: maxConns}
				m.TryRegister(c)
				m.KeepAlive(c)
				if i%7 == 0 {
					m.Release(key, c.Node, c.Display)
				}
				m.Reap()
			}(k, i)
		}
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		if got := m.LivePorts(fmt.Sprintf("key-%d", k)); got > maxConns {
			t.Fatalf("key-%d holds %d ports, above capacity %d", k, got, maxConns)
		}
	}
}

func TestPortAndOutcomeStrings(t *testing.T) {
	if InitPort.String() != "INIT" || Port(8081).String() != "8081" {
		t.Fatalf("unexpected port strings: %s %s", InitPort, Port(8081))
	}
	if OutcomeNoCapacity.String() != "no_capacity" || !OutcomeAccepted.Accepted() || OutcomePortInUse.Accepted() {
		t.Fatal("unexpected outcome helpers")
	}
}
