package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/mailstack/pkg/future"
)

// call is a single transport operation recorded by fakeTransport.
type call struct {
	op     string
	target string
	body   string
}

// fakeTransport records every operation. Targets are remote paths for copies
// and scripts for commands.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	timeline []string
	failures map[string]error
	exits    map[string]int
	delay    func() time.Duration
	onCall   func(target string)
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failures: make(map[string]error),
		exits:    make(map[string]int),
	}
}

func (f *fakeTransport) record(op, target, body string) {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: op, target: target, body: body})
	f.timeline = append(f.timeline, "start:"+target)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(target)
	}
	if f.delay != nil {
		time.Sleep(f.delay())
	}
}

func (f *fakeTransport) end(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline = append(f.timeline, "end:"+target)
}

func (f *fakeTransport) Copy(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	f.record("copy", remotePath, string(content))
	defer f.end(remotePath)
	return f.failures[remotePath]
}

func (f *fakeTransport) Run(ctx context.Context, script string) (*CommandResult, error) {
	f.record("run", script, script)
	defer f.end(script)
	if err := f.failures[script]; err != nil {
		return nil, err
	}
	return &CommandResult{ExitCode: f.exits[script], Stderr: "boom"}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeTransport) targets() []string {
	out := make([]string, 0)
	for _, c := range f.Calls() {
		out = append(out, c.target)
	}
	return out
}

// fakeDialer hands out a single fakeTransport and counts dials.
type fakeDialer struct {
	mu        sync.Mutex
	transport *fakeTransport
	dials     int
	err       error
}

func (d *fakeDialer) Dial(ctx context.Context, conn Connection) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

// recordingPublisher collects events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

var testConn = Connection{Host: "203.0.113.10", User: "root"}

// e2eGraph builds prepare -> {copyA, copyB} -> install -> postinstall.
func e2eGraph(t *testing.T, contentA, contentB string) *ScheduledGraph {
	t.Helper()
	return mustBuild(t,
		RunCommand("prepare", future.Resolved("mkdir -p /srv"), nil),
		CopyFile("copyA", future.Resolved([]byte(contentA)), "/srv/a").
			WithTriggers(future.Resolved(contentA)).After("prepare"),
		CopyFile("copyB", future.Resolved([]byte(contentB)), "/srv/b").
			WithTriggers(future.Resolved(contentB)).After("prepare"),
		RunCommand("install", future.Resolved("install"), future.Resolved("upgrade")).
			WithTriggers(future.Resolved(contentA), future.Resolved(contentB)).
			After("copyA", "copyB"),
		RunCommand("postinstall", future.Resolved("postinstall"), nil).After("install"),
	)
}

func TestEngine_Apply_EndToEnd(t *testing.T) {
	ctx := context.Background()

	// Pass 1: everything dispatches in dependency order.
	t1 := newFakeTransport()
	d1 := &fakeDialer{transport: t1}
	res := NewEngine(d1, WithMaxParallel(1)).Apply(ctx, e2eGraph(t, "A1", "B1"), testConn, nil)

	if res.Err != nil {
		t.Fatalf("Expected no error on first pass, got: %v", res.Err)
	}
	want := "prepare,copyA,copyB,install,postinstall"
	if got := strings.Join(res.Applied, ","); got != want {
		t.Errorf("Expected applied %s, got %s", want, got)
	}
	if got := strings.Join(t1.targets(), ","); got != "mkdir -p /srv,/srv/a,/srv/b,install,postinstall" {
		t.Errorf("Unexpected transport calls on first pass: %s", got)
	}
	if !t1.closed {
		t.Error("Expected transport to be closed after the pass")
	}

	// Pass 2: unchanged inputs make zero transport calls and never dial.
	t2 := newFakeTransport()
	d2 := &fakeDialer{transport: t2}
	res2 := NewEngine(d2).Apply(ctx, e2eGraph(t, "A1", "B1"), testConn, res.Triggers)

	if res2.Err != nil {
		t.Fatalf("Expected no error on second pass, got: %v", res2.Err)
	}
	if len(t2.Calls()) != 0 {
		t.Errorf("Expected zero transport calls on second pass, got %v", t2.targets())
	}
	if d2.dials != 0 {
		t.Errorf("Expected no dial on unchanged pass, got %d", d2.dials)
	}
	if len(res2.Applied) != 5 || len(res2.Reused) != 5 {
		t.Errorf("Expected 5 applied and 5 reused, got %d and %d", len(res2.Applied), len(res2.Reused))
	}
	for id, state := range res2.States {
		if state != NodeApplied {
			t.Errorf("Expected %s applied, got %s", id, state)
		}
	}

	// Pass 3: changing copyA's content redispatches copyA and install only.
	t3 := newFakeTransport()
	d3 := &fakeDialer{transport: t3}
	res3 := NewEngine(d3, WithMaxParallel(1)).Apply(ctx, e2eGraph(t, "A2", "B1"), testConn, res2.Triggers)

	if res3.Err != nil {
		t.Fatalf("Expected no error on third pass, got: %v", res3.Err)
	}
	if got := strings.Join(t3.targets(), ","); got != "/srv/a,upgrade" {
		t.Errorf("Expected calls [/srv/a upgrade], got %s", got)
	}
	if got := strings.Join(res3.Dispatched, ","); got != "copyA,install" {
		t.Errorf("Expected dispatched copyA,install, got %s", got)
	}
	if len(res3.Applied) != 5 {
		t.Errorf("Expected all 5 nodes applied, got %v", res3.Applied)
	}
	if got := res3.Triggers["install"]; !slices.Equal(got, []string{"A2", "B1"}) {
		t.Errorf("Expected committed install triggers [A2 B1], got %v", got)
	}
}

func TestEngine_Apply_TopologicalOrderRandomized(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			n := 10 + rng.Intn(30)

			g := NewGraph()
			deps := make(map[string][]string)
			targetOf := make(map[string]string)
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("n%02d", i)
				var nd []string
				for j := 0; j < i; j++ {
					if rng.Float64() < 0.15 {
						nd = append(nd, fmt.Sprintf("n%02d", j))
					}
				}

				var node *Node
				if rng.Intn(2) == 0 {
					targetOf[id] = "/srv/" + id
					node = CopyFile(id, future.Resolved([]byte(id)), targetOf[id])
				} else {
					targetOf[id] = "run " + id
					node = RunCommand(id, future.Resolved(targetOf[id]), nil)
				}
				node.WithTriggers(future.Resolved(id)).After(nd...)
				deps[id] = nd

				if err := g.AddNode(node); err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
			}
			sg, err := g.Build()
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			ft := newFakeTransport()
			var delayMu sync.Mutex
			ft.delay = func() time.Duration {
				delayMu.Lock()
				defer delayMu.Unlock()
				return time.Duration(rng.Intn(300)) * time.Microsecond
			}

			res := NewEngine(&fakeDialer{transport: ft}, WithMaxParallel(8)).
				Apply(context.Background(), sg, testConn, nil)
			if res.Err != nil {
				t.Fatalf("Expected no error, got: %v", res.Err)
			}
			if len(res.Applied) != n {
				t.Fatalf("Expected %d applied, got %d", n, len(res.Applied))
			}

			ft.mu.Lock()
			timeline := slices.Clone(ft.timeline)
			ft.mu.Unlock()

			pos := make(map[string]int, len(timeline))
			for i, ev := range timeline {
				pos[ev] = i
			}
			for id, nd := range deps {
				start, ok := pos["start:"+targetOf[id]]
				if !ok {
					t.Fatalf("Expected %s to be dispatched", id)
				}
				for _, dep := range nd {
					end, ok := pos["end:"+targetOf[dep]]
					if !ok || end > start {
						t.Errorf("Node %s started before dependency %s finished", id, dep)
					}
				}
			}

			appliedAt := make(map[string]int)
			for i, id := range res.Applied {
				appliedAt[id] = i
			}
			for id, nd := range deps {
				for _, dep := range nd {
					if appliedAt[dep] > appliedAt[id] {
						t.Errorf("Applied order has %s before its dependency %s", id, dep)
					}
				}
			}
		})
	}
}

func TestEngine_Apply_FailureContainment(t *testing.T) {
	sg := mustBuild(t,
		RunCommand("prepare", future.Resolved("prepare"), nil),
		RunCommand("a1", future.Resolved("a1"), nil).After("prepare"),
		RunCommand("a2", future.Resolved("a2"), nil).After("a1"),
		RunCommand("a3", future.Resolved("a3"), nil).After("a2"),
		RunCommand("b1", future.Resolved("b1"), nil).After("prepare"),
		RunCommand("b2", future.Resolved("b2"), nil).After("b1"),
	)

	ft := newFakeTransport()
	ft.exits["a1"] = 2
	var committed sync.Map
	rec := RecorderFunc(func(ctx context.Context, nodeID string, triggers []string) error {
		committed.Store(nodeID, triggers)
		return nil
	})

	res := NewEngine(&fakeDialer{transport: ft}, WithRecorder(rec)).
		Apply(context.Background(), sg, testConn, nil)

	if res.FailedNodeID != "a1" {
		t.Fatalf("Expected a1 to fail, got %q", res.FailedNodeID)
	}
	if !errors.Is(res.Err, ErrRemoteCommand) {
		t.Errorf("Expected ErrRemoteCommand, got: %v", res.Err)
	}
	var ee *EngineError
	if errors.As(res.Err, &ee) && ee.Details["exit_code"] != 2 {
		t.Errorf("Expected exit code 2 in details, got %v", ee.Details["exit_code"])
	}

	for _, id := range []string{"prepare", "b1", "b2"} {
		if res.States[id] != NodeApplied {
			t.Errorf("Expected %s applied, got %s", id, res.States[id])
		}
	}
	if res.States["a1"] != NodeFailed {
		t.Errorf("Expected a1 failed, got %s", res.States["a1"])
	}
	for _, id := range []string{"a2", "a3"} {
		if res.States[id] != NodePending {
			t.Errorf("Expected %s pending, got %s", id, res.States[id])
		}
		if slices.Contains(ft.targets(), id) {
			t.Errorf("Expected %s never dispatched", id)
		}
	}
	if got := strings.Join(res.Blocked, ","); got != "a2,a3" {
		t.Errorf("Expected blocked a2,a3, got %s", got)
	}

	if _, ok := committed.Load("a1"); ok {
		t.Error("Expected no commit for failed node")
	}
	if _, ok := res.Triggers["a1"]; ok {
		t.Error("Expected no trigger record for failed node")
	}
	if _, ok := committed.Load("b2"); !ok {
		t.Error("Expected commit for b2")
	}
	if !strings.Contains(res.Summary(), "failed node: a1") {
		t.Errorf("Expected summary to name the failed node, got:\n%s", res.Summary())
	}
}

func TestEngine_Apply_TransportErrorContained(t *testing.T) {
	sg := mustBuild(t,
		RunCommand("prepare", future.Resolved("prepare"), nil),
		copyNode("bad", "x", "prepare"),
		copyNode("good", "y", "prepare"),
	)

	ft := newFakeTransport()
	ft.failures["/srv/bad"] = errors.New("connection reset")

	res := NewEngine(&fakeDialer{transport: ft}).Apply(context.Background(), sg, testConn, nil)

	if !errors.Is(res.Err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got: %v", res.Err)
	}
	if res.States["good"] != NodeApplied {
		t.Errorf("Expected sibling applied, got %s", res.States["good"])
	}
}

func TestEngine_Apply_LocalErrorAbortsPass(t *testing.T) {
	sg := mustBuild(t,
		RunCommand("prepare", future.Resolved("prepare"), nil),
		CopyFile("render", future.Failed[[]byte](NewTemplateError("undefined parameter mailname", nil)), "/srv/conf").
			After("prepare"),
		copyNode("other", "y", "prepare"),
	)

	ft := newFakeTransport()
	res := NewEngine(&fakeDialer{transport: ft}, WithMaxParallel(1)).
		Apply(context.Background(), sg, testConn, nil)

	if !errors.Is(res.Err, ErrTemplate) {
		t.Fatalf("Expected ErrTemplate, got: %v", res.Err)
	}
	if res.FailedNodeID != "render" {
		t.Errorf("Expected render to fail, got %q", res.FailedNodeID)
	}
	if res.States["other"] != NodePending {
		t.Errorf("Expected other pending after local abort, got %s", res.States["other"])
	}
	if got := strings.Join(ft.targets(), ","); got != "prepare" {
		t.Errorf("Expected only prepare dispatched, got %s", got)
	}
}

func TestEngine_Apply_ForeignResolveErrorIsLocal(t *testing.T) {
	sg := mustBuild(t,
		CopyFile("secret", future.Failed[[]byte](errors.New("vault sealed")), "/srv/secret"),
	)

	res := NewEngine(&fakeDialer{transport: newFakeTransport()}).
		Apply(context.Background(), sg, testConn, nil)

	if !errors.Is(res.Err, ErrIO) {
		t.Fatalf("Expected ErrIO, got: %v", res.Err)
	}
}

func TestEngine_Apply_DeferredWaitDoesNotBlockSiblings(t *testing.T) {
	release := make(chan struct{})
	slowTrigger := future.New(func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "ready", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	sg := mustBuild(t,
		copyNode("slow", "s").WithTriggers(slowTrigger),
		copyNode("fast", "f"),
	)

	ft := newFakeTransport()
	var once sync.Once
	ft.onCall = func(target string) {
		if target == "/srv/fast" {
			once.Do(func() { close(release) })
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := NewEngine(&fakeDialer{transport: ft}, WithMaxParallel(2)).Apply(ctx, sg, testConn, nil)
	if res.Err != nil {
		t.Fatalf("Expected no error, got: %v", res.Err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("Expected both nodes applied, got %v", res.Applied)
	}
	if got := strings.Join(ft.targets(), ","); got != "/srv/fast,/srv/slow" {
		t.Errorf("Expected fast to dispatch while slow waited, got %s", got)
	}
}

func TestEngine_Apply_RecorderFailureIsLocal(t *testing.T) {
	sg := mustBuild(t,
		copyNode("a", "a"),
		copyNode("b", "b", "a"),
	)

	rec := RecorderFunc(func(ctx context.Context, nodeID string, triggers []string) error {
		return errors.New("disk full")
	})
	ft := newFakeTransport()
	res := NewEngine(&fakeDialer{transport: ft}, WithRecorder(rec)).
		Apply(context.Background(), sg, testConn, nil)

	if !errors.Is(res.Err, ErrIO) {
		t.Fatalf("Expected ErrIO, got: %v", res.Err)
	}
	if res.States["a"] != NodeFailed {
		t.Errorf("Expected a failed, got %s", res.States["a"])
	}
	if res.States["b"] != NodePending {
		t.Errorf("Expected b pending, got %s", res.States["b"])
	}
}

func TestEngine_Apply_DialFailure(t *testing.T) {
	sg := mustBuild(t,
		copyNode("a", "a"),
		copyNode("b", "b"),
	)

	d := &fakeDialer{err: errors.New("no route to host")}
	res := NewEngine(d, WithMaxParallel(1)).Apply(context.Background(), sg, testConn, nil)

	if !errors.Is(res.Err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got: %v", res.Err)
	}
	if len(res.Failures) != 2 {
		t.Errorf("Expected both nodes to fail, got %d failures", len(res.Failures))
	}
	if d.dials != 2 {
		t.Errorf("Expected dial to be retried per node, got %d dials", d.dials)
	}
}

func TestEngine_Apply_CreateOnlyCommandRunsOnce(t *testing.T) {
	build := func() *ScheduledGraph {
		return mustBuild(t, RunCommand("prepare", future.Resolved("prepare"), nil))
	}

	ft := newFakeTransport()
	res := NewEngine(&fakeDialer{transport: ft}).Apply(context.Background(), build(), testConn, nil)
	if res.Err != nil {
		t.Fatalf("Expected no error, got: %v", res.Err)
	}
	if seq, ok := res.Triggers["prepare"]; !ok || len(seq) != 0 {
		t.Errorf("Expected empty committed trigger record, got %v (present=%v)", seq, ok)
	}

	ft2 := newFakeTransport()
	res2 := NewEngine(&fakeDialer{transport: ft2}).Apply(context.Background(), build(), testConn, res.Triggers)
	if res2.Err != nil {
		t.Fatalf("Expected no error, got: %v", res2.Err)
	}
	if len(ft2.Calls()) != 0 {
		t.Errorf("Expected no calls on second pass, got %v", ft2.targets())
	}
}

func TestEngine_Apply_CancelledContext(t *testing.T) {
	sg := mustBuild(t, copyNode("a", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ft := newFakeTransport()
	res := NewEngine(&fakeDialer{transport: ft}).Apply(ctx, sg, testConn, nil)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", res.Err)
	}
	if len(ft.Calls()) != 0 {
		t.Errorf("Expected no calls, got %v", ft.targets())
	}
}

func TestEngine_Apply_PublishesEvents(t *testing.T) {
	sg := mustBuild(t,
		copyNode("a", "a"),
		copyNode("b", "b", "a"),
	)
	pub := &recordingPublisher{}

	ctx := ContextWithRunID(context.Background(), "run-1")
	res := NewEngine(&fakeDialer{transport: newFakeTransport()}, WithEventPublisher(pub)).
		Apply(ctx, sg, testConn, Triggers{"a": {"a"}})

	if res.RunID != "run-1" {
		t.Errorf("Expected run-1, got %s", res.RunID)
	}
	if pub.count(EventPassStarted) != 1 || pub.count(EventPassCompleted) != 1 {
		t.Error("Expected one pass.started and one pass.completed event")
	}
	if pub.count(EventNodeReused) != 1 {
		t.Errorf("Expected one node.reused, got %d", pub.count(EventNodeReused))
	}
	if pub.count(EventNodeApplied) != 1 {
		t.Errorf("Expected one node.applied, got %d", pub.count(EventNodeApplied))
	}
}
