package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/engine/enginetest"
	"github.com/openfroyo/mailstack/pkg/render"
)

func demoAssets() fstest.MapFS {
	return fstest.MapFS{
		"demo/prepare.sh":              {Data: []byte("mkdir -p /opt/demo\n")},
		"demo/cron/cron":               {Data: []byte("0 3 * * * root /bin/demo-backup\n")},
		"demo/cron/demo-backup.tmpl":   {Data: []byte("#!/bin/sh\necho {{ .project }} {{ .bucket.id }}/{{ .bucket.path }}\n")},
		"demo/cron/install.sh":         {Data: []byte("systemctl restart cron\n")},
		"demo/systemd/demo.service":    {Data: []byte("[Unit]\nDescription=demo\n")},
		"demo/docker-compose.yml.tmpl": {Data: []byte("services:\n  demo:\n    image: demo/demo:{{ .tag }}\n")},
		"demo/config.yml.tmpl":         {Data: []byte("domain: {{ .domain }}\n")},
		"demo/install.sh.tmpl":         {Data: []byte("install demo {{ .version }}\n")},
		"demo/postinstall.sh":          {Data: []byte("systemctl restart demo\n")},
		"demo/extra.cf":                {Data: []byte("extra\n")},
	}
}

func demoService(tag, domain string, copyInstall bool) Service {
	svc := Service{
		Name:        "demo",
		Prepare:     "demo/prepare.sh",
		Cron:        "demo/cron/cron",
		CronInstall: "demo/cron/install.sh",
		Backup: Artifact{
			Source: "demo/cron/demo-backup.tmpl",
			Params: map[string]any{
				"project": "p",
				"bucket":  map[string]any{"id": "b", "path": "demo"},
			},
		},
		Systemd: "demo/systemd/demo.service",
		Compose: Artifact{
			Source:     "demo/docker-compose.yml.tmpl",
			Params:     map[string]any{"tag": tag},
			RemotePath: "/opt/demo/docker-compose.yml",
		},
		Config: Artifact{
			Source:     "demo/config.yml.tmpl",
			Params:     map[string]any{"domain": domain},
			RemotePath: "/opt/demo/config.yml",
			Archive:    "demo_config.yml",
		},
		Version: VersionFromImage("demo"),
		Install: Artifact{
			Source:     "demo/install.sh.tmpl",
			Params:     map[string]any{},
			RemotePath: "/opt/demo/install.sh",
		},
		PostInstall: []Artifact{
			{Name: "extra", Source: "demo/extra.cf", RemotePath: "/opt/demo/extra.cf"},
		},
		PostInstallScript: "demo/postinstall.sh",
	}
	if copyInstall {
		svc.InstallCommand = "bash /opt/demo/install.sh"
		svc.InstallAfterCron = true
	}
	return svc
}

type recordingArchiver struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, name string, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objects == nil {
		a.objects = make(map[string]string)
	}
	a.objects[name] = string(content)
	return nil
}

func build(t *testing.T, svc Service, opts ...Option) (*engine.ScheduledGraph, Handle) {
	t.Helper()
	g := engine.NewGraph()
	h, err := NewAssembler(render.New(demoAssets()), opts...).Assemble(g, svc)
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}
	sg, err := g.Build()
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	return sg, h
}

func TestAssemble_Shape(t *testing.T) {
	sg, h := build(t, demoService("1.0", "example.com", true))

	if h.Prepare != "remote-command-prepare-demo" || h.PostInstall != "remote-command-postinstall-demo" {
		t.Errorf("Unexpected handle: %+v", h)
	}

	tests := []struct {
		id       string
		deps     []string
		triggers int
	}{
		{id: PrepareID("demo"), deps: nil, triggers: 0},
		{id: CronCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: BackupCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: SystemdCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: ComposeCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: ConfigCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: InstallCopyID("demo"), deps: []string{PrepareID("demo")}, triggers: 1},
		{id: CronInstallID("demo"), deps: []string{CronCopyID("demo"), BackupCopyID("demo")}, triggers: 2},
		{
			id: InstallID("demo"),
			deps: []string{
				SystemdCopyID("demo"), ComposeCopyID("demo"), ConfigCopyID("demo"),
				InstallCopyID("demo"), CronInstallID("demo"),
			},
			triggers: 5,
		},
		{id: PostCopyID("demo", "extra"), deps: []string{InstallID("demo")}, triggers: 1},
		{id: PostInstallID("demo"), deps: []string{InstallID("demo"), PostCopyID("demo", "extra")}, triggers: 1},
	}

	if sg.Len() != len(tests) {
		t.Fatalf("Expected %d nodes, got %d", len(tests), sg.Len())
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			n, ok := sg.Node(tt.id)
			if !ok {
				t.Fatalf("Expected node %s", tt.id)
			}
			if !slices.Equal(n.DependsOn, tt.deps) {
				t.Errorf("Expected deps %v, got %v", tt.deps, n.DependsOn)
			}
			if len(n.Triggers) != tt.triggers {
				t.Errorf("Expected %d triggers, got %d", tt.triggers, len(n.Triggers))
			}
		})
	}

	prepare, _ := sg.Node(PrepareID("demo"))
	if prepare.Command.Update != nil {
		t.Error("Expected prepare to be create-only")
	}
	backup, _ := sg.Node(BackupCopyID("demo"))
	if backup.Copy.Mode != 0o755 || backup.Copy.RemotePath != "/bin/demo-backup" {
		t.Errorf("Unexpected backup copy: %+v", backup.Copy)
	}
}

func TestAssemble_After(t *testing.T) {
	g := engine.NewGraph()
	a := NewAssembler(render.New(demoAssets()))
	if _, err := a.Assemble(g, demoService("1.0", "x", false), "missing"); !errors.Is(err, engine.ErrDanglingDependency) {
		t.Errorf("Expected ErrDanglingDependency, got: %v", err)
	}

	g = engine.NewGraph()
	if _, err := a.Assemble(g, demoService("1.0", "x", false), "", ""); err != nil {
		t.Fatalf("Expected empty handles to be ignored, got: %v", err)
	}
	if _, err := a.Assemble(g, demoService("1.0", "x", false)); !errors.Is(err, engine.ErrDuplicateNode) {
		t.Errorf("Expected ErrDuplicateNode, got: %v", err)
	}
}

func apply(t *testing.T, sg *engine.ScheduledGraph, tr *enginetest.Transport, prev engine.Triggers) *engine.ApplyResult {
	t.Helper()
	tr.Reset()
	res := engine.NewEngine(&enginetest.Dialer{Transport: tr}).Apply(context.Background(), sg, engine.Connection{}, prev)
	if !res.Succeeded() {
		t.Fatalf("Expected pass to succeed:\n%s", res.Summary())
	}
	return res
}

func TestAssemble_ChangeDetection(t *testing.T) {
	tr := enginetest.NewTransport()

	sg, _ := build(t, demoService("1.0", "example.com", false))
	first := apply(t, sg, tr, nil)
	if len(tr.Calls()) != sg.Len() {
		t.Fatalf("Expected %d calls on first pass, got %d: %v", sg.Len(), len(tr.Calls()), tr.Targets())
	}
	if got, _ := tr.File("/opt/demo/config.yml"); string(got) != "domain: example.com\n" {
		t.Errorf("Unexpected config %q", got)
	}
	if !slices.Contains(tr.Targets(), "install demo 1.0\n") {
		t.Errorf("Expected install script rendered with version, got %v", tr.Targets())
	}

	sg, _ = build(t, demoService("1.0", "example.com", false))
	second := apply(t, sg, tr, first.Triggers)
	if len(tr.Calls()) != 0 {
		t.Fatalf("Expected no calls on unchanged pass, got %v", tr.Targets())
	}

	sg, _ = build(t, demoService("1.0", "example.org", false))
	third := apply(t, sg, tr, second.Triggers)
	want := []string{ConfigCopyID("demo"), InstallID("demo")}
	if !slices.Equal(third.Dispatched, want) {
		t.Errorf("Expected config change to dispatch %v, got %v", want, third.Dispatched)
	}

	sg, _ = build(t, demoService("1.1", "example.org", false))
	fourth := apply(t, sg, tr, third.Triggers)
	want = []string{ComposeCopyID("demo"), InstallID("demo")}
	if !slices.Equal(fourth.Dispatched, want) {
		t.Errorf("Expected version change to dispatch %v, got %v", want, fourth.Dispatched)
	}
	if !slices.Contains(tr.Targets(), "install demo 1.1\n") {
		t.Errorf("Expected update to run the new install script, got %v", tr.Targets())
	}
}

func TestAssemble_CopiedInstallScript(t *testing.T) {
	tr := enginetest.NewTransport()

	sg, _ := build(t, demoService("1.0", "example.com", true))
	first := apply(t, sg, tr, nil)
	if got, _ := tr.File("/opt/demo/install.sh"); string(got) != "install demo 1.0\n" {
		t.Errorf("Unexpected install script %q", got)
	}
	if !slices.Contains(tr.Targets(), "bash /opt/demo/install.sh") {
		t.Errorf("Expected install command to run, got %v", tr.Targets())
	}

	sg, _ = build(t, demoService("2.0", "example.com", true))
	second := apply(t, sg, tr, first.Triggers)
	want := []string{ComposeCopyID("demo"), InstallCopyID("demo"), InstallID("demo")}
	if got := slices.Sorted(slices.Values(second.Dispatched)); !slices.Equal(got, slices.Sorted(slices.Values(want))) {
		t.Errorf("Expected %v, got %v", want, second.Dispatched)
	}
}

func TestAssemble_Archive(t *testing.T) {
	arch := &recordingArchiver{}
	sg, _ := build(t, demoService("1.0", "example.com", false), WithArchiver(arch))
	apply(t, sg, enginetest.NewTransport(), nil)

	if arch.objects["demo_config.yml"] != "domain: example.com\n" {
		t.Errorf("Expected config to be archived, got %v", arch.objects)
	}

	arch = &recordingArchiver{err: errors.New("bucket unavailable")}
	sg, _ = build(t, demoService("1.0", "example.com", false), WithArchiver(arch))
	res := engine.NewEngine(&enginetest.Dialer{Transport: enginetest.NewTransport()}).
		Apply(context.Background(), sg, engine.Connection{}, nil)
	if !errors.Is(res.Err, engine.ErrIO) {
		t.Errorf("Expected archive failure to be a local IO error, got: %v", res.Err)
	}
}

func TestAssemble_MissingVersion(t *testing.T) {
	svc := demoService("1.0", "example.com", false)
	svc.Version = VersionFromImage("other")
	sg, _ := build(t, svc)

	res := engine.NewEngine(&enginetest.Dialer{Transport: enginetest.NewTransport()}).
		Apply(context.Background(), sg, engine.Connection{}, nil)
	if !errors.Is(res.Err, engine.ErrTemplate) {
		t.Fatalf("Expected ErrTemplate, got: %v", res.Err)
	}
	if res.States[PostInstallID("demo")] != engine.NodePending {
		t.Errorf("Expected postinstall to stay pending, got %s", res.States[PostInstallID("demo")])
	}
}
