package gitsync

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner records git invocations and scripts their outcomes.
type fakeRunner struct {
	calls []string
	fail  map[string]error // first arg -> error
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	if err, ok := f.fail[args[0]]; ok {
		return "", err
	}
	return "", nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestPublish_NoPathsIsNoOp(t *testing.T) {
	f := &fakeRunner{}
	s := New("/repo", f.run, false, nil)
	if err := s.Publish(context.Background(), nil, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("calls = %v, want none", f.calls)
	}
}

func TestPublish_NothingStagedSkipsCommit(t *testing.T) {
	// diff --cached --quiet exits 0 when the stage is empty.
	f := &fakeRunner{}
	s := New("/repo", f.run, false, nil)
	if err := s.Publish(context.Background(), []string{"stats.json"}, "ok=0"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if f.called("commit") {
		t.Error("must not commit when nothing is staged")
	}
}

func TestPublish_FullFlow(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{"diff": errors.New("exit 1")}}
	s := New("/repo", f.run, false, nil)
	if err := s.Publish(context.Background(), []string{"stats.json", "agents.json"}, "ok=3"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, want := range []string{"add -- stats.json agents.json", "commit", "pull --rebase", "push"} {
		if !f.called(want) {
			t.Errorf("missing git call %q in %v", want, f.calls)
		}
	}
}

func TestPublish_RebaseConflictAbortsAndReports(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{
		"diff": errors.New("exit 1"),
		"pull": errors.New("CONFLICT"),
	}}
	s := New("/repo", f.run, false, nil)
	err := s.Publish(context.Background(), []string{"stats.json"}, "")
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("err = %v, want ErrWriteConflict", err)
	}
	if !f.called("rebase --abort") {
		t.Error("conflict must abort the rebase")
	}
	if f.called("push") {
		t.Error("must not push after a conflict")
	}
}

func TestPublish_PushFailureKeepsCommit(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{
		"diff": errors.New("exit 1"),
		"push": errors.New("remote hung up"),
	}}
	s := New("/repo", f.run, false, nil)
	if err := s.Publish(context.Background(), []string{"stats.json"}, ""); err != nil {
		t.Fatalf("push failure must not surface as an error: %v", err)
	}
}

func TestPublish_NoPushMode(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{"diff": errors.New("exit 1")}}
	s := New("/repo", f.run, true, nil)
	if err := s.Publish(context.Background(), []string{"stats.json"}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if f.called("push") {
		t.Error("noPush mode must not push")
	}
	if !f.called("commit") {
		t.Error("noPush mode still commits locally")
	}
}
